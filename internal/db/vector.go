package db

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// EncodeVector renders an embedding as a pgvector text literal, e.g.
// "[0.1,0.2,0.3]". pgvector casts the text form on insert, so no driver
// extension is needed.
func EncodeVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*10 + 2)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// DecodeVector parses the pgvector text form back into a float slice.
// Returns nil for an empty or NULL-ish input.
func DecodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, eris.Errorf("db: malformed vector literal %q", truncateForErr(s))
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, eris.Wrap(err, "db: parse vector element")
		}
		out[i] = float32(f)
	}
	return out, nil
}

func truncateForErr(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
