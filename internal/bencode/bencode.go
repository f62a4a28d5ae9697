// Package bencode implements the bencode encoding used by the BitTorrent
// metainfo and tracker wire formats: signed integers, byte strings, lists,
// and dictionaries with lexicographically sorted keys.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Token identifies syntactic markers in the bencode stream.
type Token byte

func (t Token) Byte() byte { return byte(t) }

const (
	// TokenDict begins a dictionary: 'd'
	TokenDict Token = 'd'
	// TokenInteger begins an integer: 'i'
	TokenInteger Token = 'i'
	// TokenEnding terminates a list, dictionary, or integer: 'e'
	TokenEnding Token = 'e'
	// TokenList begins a list: 'l'
	TokenList Token = 'l'
	// TokenStringSeparator separates a string length from its data ':'
	TokenStringSeparator Token = ':'
)

// Marshal returns the bencoded form of v.
//
// Supported value types: string, []byte, bool, signed/unsigned integers,
// []any, map[string]any. Marshal returns an error if v's type is not
// supported.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case string:
		return encodeString(buf, x)
	case []byte:
		return encodeString(buf, string(x))
	case bool:
		if x {
			return encodeInt64(buf, 1)
		}
		return encodeInt64(buf, 0)
	case int:
		return encodeInt64(buf, int64(x))
	case int8:
		return encodeInt64(buf, int64(x))
	case int16:
		return encodeInt64(buf, int64(x))
	case int32:
		return encodeInt64(buf, int64(x))
	case int64:
		return encodeInt64(buf, x)
	case uint:
		return encodeUint(buf, uint64(x))
	case uint8:
		return encodeUint(buf, uint64(x))
	case uint16:
		return encodeUint(buf, uint64(x))
	case uint32:
		return encodeUint(buf, uint64(x))
	case uint64:
		return encodeUint(buf, x)
	case []any:
		return encodeSlice(buf, x)
	case map[string]any:
		return encodeDict(buf, x)
	default:
		return fmt.Errorf("bencode: unsupported datatype '%T'", v)
	}
}

func encodeInt64(buf *bytes.Buffer, n int64) error {
	buf.WriteByte(TokenInteger.Byte())
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteByte(TokenEnding.Byte())
	return nil
}

func encodeUint(buf *bytes.Buffer, u uint64) error {
	buf.WriteByte(TokenInteger.Byte())
	buf.WriteString(strconv.FormatUint(u, 10))
	buf.WriteByte(TokenEnding.Byte())
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(TokenStringSeparator.Byte())
	buf.WriteString(s)
	return nil
}

func encodeSlice(buf *bytes.Buffer, xs []any) error {
	buf.WriteByte(TokenList.Byte())
	for _, v := range xs {
		if err := encode(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(TokenEnding.Byte())
	return nil
}

// encodeDict writes a dictionary: 'd' <key><value> ... 'e'.
//
// Keys are emitted in lexicographic order, as required by BEP 3.
func encodeDict(buf *bytes.Buffer, m map[string]any) error {
	buf.WriteByte(TokenDict.Byte())

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := encodeString(buf, k); err != nil {
			return err
		}
		if err := encode(buf, m[k]); err != nil {
			return err
		}
	}

	buf.WriteByte(TokenEnding.Byte())
	return nil
}
