package transport

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"sort"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/convertful/integrations/internal/models"
)

// Payload is the insertion-ordered outgoing data map.
type Payload = orderedmap.OrderedMap[string, any]

// NewPayload returns an empty ordered payload.
func NewPayload() *Payload {
	return orderedmap.New[string, any]()
}

type pair struct {
	key   string
	value any
}

// orderedPairs returns the key/value pairs of a map-like value. Ordered
// payloads keep insertion order, plain maps are sorted by key.
func orderedPairs(v any) ([]pair, bool) {
	switch t := v.(type) {
	case *Payload:
		out := make([]pair, 0, t.Len())
		for p := t.Oldest(); p != nil; p = p.Next() {
			out = append(out, pair{key: p.Key, value: p.Value})
		}
		return out, true
	case map[string]any:
		return sortedPairs(t), true
	case models.Values:
		return sortedPairs(t), true
	case models.Person:
		return sortedPairs(t), true
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = val
		}
		return sortedPairs(m), true
	default:
		return nil, false
	}
}

func sortedPairs(m map[string]any) []pair {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]pair, len(keys))
	for i, k := range keys {
		out[i] = pair{key: k, value: m[k]}
	}
	return out
}

// listItems returns the elements of a list-like value.
func listItems(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out, true
	case []int:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out, true
	default:
		return nil, false
	}
}

// toPlain converts ordered payloads into plain maps, recursively.
func toPlain(v any) any {
	if pairs, ok := orderedPairs(v); ok {
		out := make(map[string]any, len(pairs))
		for _, p := range pairs {
			out[p.key] = toPlain(p.value)
		}
		return out
	}
	if items, ok := listItems(v); ok {
		out := make([]any, len(items))
		for i := range items {
			out[i] = toPlain(items[i])
		}
		return out
	}
	return v
}

// RawURLEncode percent-encodes s per RFC 3986: everything but
// unreserved characters is escaped, spaces become %20.
func RawURLEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte("0123456789ABCDEF"[c>>4])
		b.WriteByte("0123456789ABCDEF"[c&15])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

// flatten expands nested maps and lists into bracketed keys:
// {"a": {"b": 1}, "c": [1, 2]} -> a[b]=1, c[0]=1, c[1]=2. nil values are skipped.
func flatten(v any) []pair {
	var out []pair
	var walk func(prefix string, val any)
	walk = func(prefix string, val any) {
		if pairs, ok := orderedPairs(val); ok {
			for _, p := range pairs {
				walk(prefix+"["+p.key+"]", p.value)
			}
			return
		}
		if items, ok := listItems(val); ok {
			for i, item := range items {
				walk(prefix+"["+strconv.Itoa(i)+"]", item)
			}
			return
		}
		if val == nil {
			return
		}
		out = append(out, pair{key: prefix, value: models.Stringify(val)})
	}

	pairs, _ := orderedPairs(v)
	for _, p := range pairs {
		walk(p.key, p.value)
	}
	return out
}

// BuildQuery encodes data as an RFC 3986 query string with PHP-style
// bracketed keys for nested values.
func BuildQuery(data any) string {
	flat := flatten(data)
	parts := make([]string, 0, len(flat))
	for _, p := range flat {
		parts = append(parts, RawURLEncode(p.key)+"="+RawURLEncode(p.value.(string)))
	}
	return strings.Join(parts, "&")
}

func encodeJSON(data *Payload) ([]byte, error) {
	return json.Marshal(data)
}

// encodeMultipart writes flattened fields as multipart/form-data.
func encodeMultipart(data *Payload) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range flatten(data) {
		if err := w.WriteField(p.key, p.value.(string)); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
