// payload.go centralizes the "permissive extraction" helpers every upstream
// endpoint needs: unwrapping the optional result|data envelope, picking the
// first present key out of several polymorphic spellings, coercing
// string-or-number JSON fields to float64, and the seconds-vs-milliseconds
// timestamp rule (spec.md §9 calls out that this rule recurs in three call
// sites and should live in one place). Exported so the catalog walker can
// apply the same permissive extraction to raw catalog entries, which are
// polymorphic in the same ways the envelope itself is.
package upstream

import "strconv"

// Envelope is the generic shape every upstream response may nest its
// payload inside: {"result": {...}} | {"data": {...}} | {...} directly, with
// an error code under "errno" or "code" (0 = success).
type Envelope = map[string]any

// ErrCodeNotFound is the venue's "topic not found" error code.
const ErrCodeNotFound = 10200

const (
	// ServerTimeSecondsThreshold is the coercion threshold for server-time
	// responses: values below this are seconds, not milliseconds.
	ServerTimeSecondsThreshold = 1e12
	// TickTimestampSecondsThreshold is the coercion threshold for tick and
	// orderbook timestamps, which spec.md treats as seconds below 1e10 —
	// deliberately a different literal than ServerTimeSecondsThreshold.
	TickTimestampSecondsThreshold = 1e10
)

// UnwrapEnvelope walks result -> data permissively and returns the innermost
// map along with the reported error code (0 if none found). When a
// "result"/"data" key holds a list rather than a map, it is left in place
// for PickList to find directly on the returned map.
func UnwrapEnvelope(raw Envelope) (payload Envelope, code int) {
	code = pickCode(raw)
	cur := raw
	for _, key := range []string{"result", "data"} {
		if next, ok := cur[key].(map[string]any); ok {
			cur = next
			if c := pickCode(cur); c != 0 {
				code = c
			}
		}
	}
	return cur, code
}

func pickCode(m Envelope) int {
	for _, key := range []string{"errno", "code"} {
		if v, ok := m[key]; ok {
			if n, ok := toFloat(v); ok {
				return int(n)
			}
		}
	}
	return 0
}

// PickString returns the first non-empty string found under keys, in order.
func PickString(m Envelope, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// PickNumber returns the first present, numerically-coercible value found
// under keys, in order. Accepts both JSON numbers and numeric strings.
func PickNumber(m Envelope, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if n, ok := toFloat(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// PickList returns the first present array found under keys, checking
// "list"/"data"/"items" style spellings so both wrapped ({"list": [...]})
// and flat ({"data": [...]}) shapes resolve.
func PickList(m Envelope, keys ...string) ([]any, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if list, ok := v.([]any); ok {
				return list, true
			}
		}
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// CoerceMillis multiplies v by 1000 when it is below secondsThreshold,
// treating it as a seconds-since-epoch value; otherwise v is assumed to
// already be milliseconds.
func CoerceMillis(v float64, secondsThreshold float64) int64 {
	if v < secondsThreshold {
		return int64(v * 1000)
	}
	return int64(v)
}
