package backend

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

var errBadGPKG = errors.New("malformed geopackage geometry")

// envelope sizes in bytes by header indicator
var gpkgEnvelope = [...]int{0, 32, 48, 48, 64}

// DecodeGPKG decodes a GeoPackage geometry blob: a "GP" header with SRS id
// and optional envelope, followed by standard WKB.
func DecodeGPKG(b []byte) (orb.Geometry, int, error) {
	if len(b) < 8 || b[0] != 'G' || b[1] != 'P' {
		return nil, 0, errBadGPKG
	}
	flags := b[3]
	var order binary.ByteOrder = binary.BigEndian
	if flags&0x01 != 0 {
		order = binary.LittleEndian
	}
	srid := int(int32(order.Uint32(b[4:8])))
	env := int(flags>>1) & 0x07
	if env >= len(gpkgEnvelope) {
		return nil, srid, fmt.Errorf("%w: envelope indicator %d", errBadGPKG, env)
	}
	if flags&0x10 != 0 {
		return nil, srid, nil
	}
	off := 8 + gpkgEnvelope[env]
	if len(b) < off {
		return nil, srid, errBadGPKG
	}
	g, err := wkb.Unmarshal(b[off:])
	if err != nil {
		return nil, srid, fmt.Errorf("%w: %w", errBadGPKG, err)
	}
	return g, srid, nil
}

// EncodeGPKG builds a little-endian GeoPackage blob without envelope.
func EncodeGPKG(g orb.Geometry, srid int) ([]byte, error) {
	body, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8, 8+len(body))
	out[0], out[1], out[2], out[3] = 'G', 'P', 0, 0x01
	binary.LittleEndian.PutUint32(out[4:], uint32(int32(srid)))
	return append(out, body...), nil
}
