package expr

// LiteralPart is one group of source geometry sharing a buffer distance.
type LiteralPart struct {
	WKT      string
	Distance float64
}

// SourceLiteral is the prepared source geometry in native WKT form.
type SourceLiteral struct {
	SRID       int
	Geographic bool
	Parts      []LiteralPart
}

// Bytes is the total WKT payload size.
func (s SourceLiteral) Bytes() int {
	n := 0
	for _, p := range s.Parts {
		n += len(p.WKT)
	}
	return n
}

func (s SourceLiteral) Empty() bool { return len(s.Parts) == 0 }

// BufferSQL renders the distance argument of a CRS-aware buffer. For an
// angular source the metric distance is scaled by 1/cos(latitude) of each
// geometry's centroid so it keeps its true size after the Mercator round trip.
func BufferSQL(distance string, geom string, geographic bool) string {
	if !geographic {
		return distance
	}
	return Paren(distance) + " / COS(RADIANS(ST_Y(ST_Centroid(" + geom + "))))"
}

// Transform wraps geom in ST_Transform when the SRIDs differ and both are known.
func Transform(geom string, from, to int) string {
	if from == to || from <= 0 || to <= 0 {
		return geom
	}
	return "ST_Transform(" + geom + ", " + Int(int64(to)) + ")"
}

// MercatorSRID is the linear reference system angular buffers are computed in.
const MercatorSRID = 3857
