package broker

import (
	"strconv"
	"strings"
)

// Pick walks the first present dotted path in a decoded JSON payload.
// Broker gateways disagree on casing and nesting ("marginFree",
// "margin_free", "account.margin.free"); Pick is the single extraction
// contract shared by the REST adapters.
func Pick(m map[string]any, paths ...string) (any, bool) {
	for _, path := range paths {
		cur := any(m)
		found := true
		for _, seg := range strings.Split(path, ".") {
			obj, ok := cur.(map[string]any)
			if !ok {
				found = false
				break
			}
			cur, ok = obj[seg]
			if !ok {
				found = false
				break
			}
		}
		if found && cur != nil {
			return cur, true
		}
	}
	return nil, false
}

// PickFloat extracts a numeric field, accepting JSON numbers and numeric
// strings (some gateways quote every number).
func PickFloat(m map[string]any, paths ...string) (float64, bool) {
	v, ok := Pick(m, paths...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// PickString extracts a string field.
func PickString(m map[string]any, paths ...string) (string, bool) {
	v, ok := Pick(m, paths...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PickInt extracts an integer field.
func PickInt(m map[string]any, paths ...string) (int, bool) {
	f, ok := PickFloat(m, paths...)
	return int(f), ok
}

// PickBool extracts a boolean field.
func PickBool(m map[string]any, paths ...string) (bool, bool) {
	v, ok := Pick(m, paths...)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
