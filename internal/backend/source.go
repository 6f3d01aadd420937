package backend

import (
	"bytes"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PGSource is a parsed networked layer source.
type PGSource struct {
	DSN            string
	Key            string
	Schema         string
	Table          string
	GeometryColumn string
	PrimaryKey     string
	SRID           int
}

var pgConnKeywords = map[string]bool{
	"dbname": true, "host": true, "hostaddr": true, "port": true, "user": true,
	"password": true, "sslmode": true, "service": true, "connect_timeout": true,
	"application_name": true, "sslrootcert": true, "sslcert": true, "sslkey": true,
}

// LooksLikePostgres reports whether a source string addresses a networked database.
func LooksLikePostgres(source string) bool {
	s := strings.TrimSpace(source)
	ls := strings.ToLower(s)
	if strings.HasPrefix(ls, "postgres://") || strings.HasPrefix(ls, "postgresql://") || strings.HasPrefix(s, "PG:") {
		return true
	}
	for _, kw := range []string{"dbname=", "host=", "service="} {
		if strings.Contains(ls, kw) {
			return true
		}
	}
	return false
}

// ParsePGSource accepts URLs, PG:-prefixed and plain libpq keyword strings.
// Keyword strings may carry layer parts: key, srid and
// table="schema"."table" (geom).
func ParsePGSource(source string) PGSource {
	s := strings.TrimSpace(source)
	s = strings.TrimPrefix(s, "PG:")
	ls := strings.ToLower(s)
	if strings.HasPrefix(ls, "postgres://") || strings.HasPrefix(ls, "postgresql://") {
		out := PGSource{DSN: s, Key: s}
		if u, err := url.Parse(s); err == nil {
			out.Key = u.Redacted()
		}
		return out
	}

	var out PGSource
	var dsn, key []string
	for i := 0; i < len(s); {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			break
		}
		k := strings.ToLower(strings.TrimSpace(s[i : i+eq]))
		i += eq + 1
		if k == "table" {
			n := parseTablePart(s[i:], &out)
			i += n
			continue
		}
		v, n := scanValue(s[i:])
		i += n
		switch {
		case k == "key":
			out.PrimaryKey = v
		case k == "srid":
			out.SRID, _ = strconv.Atoi(v)
		case pgConnKeywords[k]:
			kv := k + "=" + quoteValue(v)
			dsn = append(dsn, kv)
			if k != "password" {
				key = append(key, kv)
			}
		}
	}
	out.DSN = strings.Join(dsn, " ")
	out.Key = strings.Join(key, " ")
	return out
}

func scanValue(s string) (string, int) {
	if strings.HasPrefix(s, "'") {
		var b strings.Builder
		for i := 1; i < len(s); i++ {
			switch s[i] {
			case '\\':
				if i+1 < len(s) {
					i++
					b.WriteByte(s[i])
				}
			case '\'':
				return b.String(), i + 1
			default:
				b.WriteByte(s[i])
			}
		}
		return b.String(), len(s)
	}
	end := strings.IndexByte(s, ' ')
	if end < 0 {
		end = len(s)
	}
	return s[:end], end
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " '\\") {
		return v
	}
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

// parseTablePart reads "schema"."table" (geom) and reports bytes consumed.
func parseTablePart(s string, out *PGSource) int {
	var parts []string
	i := 0
	for i < len(s) {
		if s[i] == '"' {
			var b strings.Builder
			j := i + 1
			for j < len(s) {
				if s[j] == '"' {
					if j+1 < len(s) && s[j+1] == '"' {
						b.WriteByte('"')
						j += 2
						continue
					}
					break
				}
				b.WriteByte(s[j])
				j++
			}
			parts = append(parts, b.String())
			i = j + 1
		} else {
			j := i
			for j < len(s) && s[j] != '.' && s[j] != ' ' && s[j] != '(' {
				j++
			}
			parts = append(parts, s[i:j])
			i = j
		}
		if i < len(s) && s[i] == '.' {
			i++
			continue
		}
		break
	}
	switch len(parts) {
	case 1:
		out.Table = parts[0]
	case 2:
		out.Schema, out.Table = parts[0], parts[1]
	}
	j := i
	for j < len(s) && s[j] == ' ' {
		j++
	}
	if j < len(s) && s[j] == '(' {
		if end := strings.IndexByte(s[j:], ')'); end > 0 {
			out.GeometryColumn = strings.TrimSpace(s[j+1 : j+end])
			return j + end + 1
		}
	}
	return i
}

// FileSource splits a file layer source into path and layer name, e.g.
// "/data/city.gpkg|layername=roads".
func FileSource(source string) (path, layer string) {
	parts := strings.Split(source, "|")
	path = strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "layername") {
			layer = strings.TrimSpace(v)
		}
	}
	return path, layer
}

var sqliteExtensions = map[string]bool{
	".sqlite": true, ".sqlite3": true, ".db": true, ".gpkg": true, ".spatialite": true,
}

var sqliteHeader = []byte("SQLite format 3\x00")

// IsSQLiteFile reports whether path names a single-file SQLite database, by
// extension or by its file header.
func IsSQLiteFile(path string) (bool, string) {
	if path == "" {
		return false, ""
	}
	if sqliteExtensions[strings.ToLower(filepath.Ext(path))] {
		return true, "extension"
	}
	f, err := os.Open(path)
	if err != nil {
		return false, ""
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(f, buf); err != nil {
		return false, ""
	}
	if bytes.Equal(buf, sqliteHeader) {
		return true, "header"
	}
	return false, ""
}

// IsGeoPackage reports whether path is a GeoPackage by extension.
func IsGeoPackage(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".gpkg")
}
