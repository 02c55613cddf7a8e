package feed

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Variant is one query shape for a capability, richest first.
type Variant struct {
	Name  string
	Query string
}

// VariantSet is a prioritized list of query shapes for the same capability.
type VariantSet struct {
	Name     string
	Variants []Variant
}

// Endpoints merges a primary URL and a comma-separated fallback list,
// preserving order and dropping blanks and duplicates.
func Endpoints(primary string, fallbacks ...string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 1+len(fallbacks))
	add := func(raw string) {
		for _, part := range strings.Split(raw, ",") {
			u := strings.TrimRight(strings.TrimSpace(part), "/")
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	add(primary)
	for _, fb := range fallbacks {
		add(fb)
	}
	return out
}

// Number decodes the BigInt/BigDecimal encodings indexers use: JSON strings,
// JSON numbers, or null.
type Number struct {
	Value float64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == "" {
		*n = Number{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*n = Number{}
			return nil
		}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*n = Number{}
		return nil
	}
	*n = Number{Value: v, Valid: true}
	return nil
}

// Int64 returns the truncated integer value.
func (n Number) Int64() int64 { return int64(n.Value) }

// Text keeps the literal digits of a BigInt field so large integers such as
// liquidity survive decoding without float rounding.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*t = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(strings.TrimSpace(s))
		return nil
	}
	*t = Text(raw)
	return nil
}
