package artifact

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Prefix starts every artifact relation name.
const Prefix = "fm_src_"

// Name derives the relation name of an artifact from its defining parameters.
// Identical parameters always map to the same name, so concurrent requests
// needing the same artifact share it.
func Name(connectionKey, schema, selectSQL string) string {
	h := xxhash.New()
	_, _ = h.WriteString(strings.TrimSpace(connectionKey))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(strings.TrimSpace(schema))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(collapseASCIIWhitespace(selectSQL))
	return fmt.Sprintf("%s%016x", Prefix, h.Sum64())
}

// ConsumerID identifies one target of one request.
func ConsumerID(requestID, layerID string) string {
	return fmt.Sprintf("%s/%016x", requestID, xxhash.Sum64String(layerID))
}

// converts any run of ASCII whitespace outside quotes to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	var quote rune
	for _, r := range s {
		if quote != 0 {
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		if r == '\'' || r == '"' {
			quote = r
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}
