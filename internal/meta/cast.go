package meta

import "fmt"

// toString coerces a decoded bencode value into a string. Decoded byte
// strings surface as Go strings, so this mostly just type-asserts.
func toString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("metainfo: expected string, got %T", v)
	}
	return s, nil
}

// toBytes coerces a decoded bencode value into a byte slice. Accepts both
// the string form produced by the decoder and a raw []byte, since callers
// sometimes build field values directly.
func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		return []byte(x), nil
	case []byte:
		return x, nil
	default:
		return nil, fmt.Errorf("metainfo: expected byte string, got %T", v)
	}
}

// toInt coerces a decoded bencode value into an int64.
func toInt(v any) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("metainfo: expected integer, got %T", v)
	}
	return n, nil
}

// toStringSlice coerces a decoded bencode list into a []string.
func toStringSlice(v any) ([]string, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("metainfo: expected list, got %T", v)
	}

	out := make([]string, 0, len(arr))
	for i, el := range arr {
		s, err := toString(el)
		if err != nil {
			return nil, fmt.Errorf("metainfo: element %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// toTieredStrings coerces a decoded announce-list (a list of lists of
// strings, per BEP 12) into [][]string.
func toTieredStrings(v []any) ([][]string, error) {
	out := make([][]string, 0, len(v))
	for i, tier := range v {
		strs, err := toStringSlice(tier)
		if err != nil {
			return nil, fmt.Errorf("metainfo: tier %d: %w", i, err)
		}
		out = append(out, strs)
	}
	return out, nil
}
