package jtree

import (
	"math"
	"strconv"
)

// Canon renders a tree into its canonical byte form: object keys sorted,
// integral numbers without fraction or exponent, strings JSON-escaped.
// Two structurally equal trees canonize to the same bytes regardless of
// which component produced them, which is what makes the fingerprints in
// hash.go portable.
func Canon(n Node) []byte {
	return appendCanon(nil, n)
}

func appendCanon(dst []byte, n Node) []byte {
	switch t := n.(type) {
	case nil, Null:
		return append(dst, "null"...)
	case Object:
		dst = append(dst, '{')
		for i, k := range t.Keys() {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendCanonString(dst, k)
			dst = append(dst, ':')
			dst = appendCanon(dst, t[k])
		}
		return append(dst, '}')
	case Array:
		dst = append(dst, '[')
		for i, e := range t {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendCanon(dst, e)
		}
		return append(dst, ']')
	case String:
		return appendCanonString(dst, string(t))
	case Number:
		f := float64(t)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return strconv.AppendInt(dst, int64(f), 10)
		}
		return strconv.AppendFloat(dst, f, 'g', -1, 64)
	case Bool:
		if t {
			return append(dst, "true"...)
		}
		return append(dst, "false"...)
	}
	return dst
}

func appendCanonString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for _, r := range s {
		switch r {
		case '"':
			dst = append(dst, '\\', '"')
		case '\\':
			dst = append(dst, '\\', '\\')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		default:
			if r < 0x20 {
				const hex = "0123456789abcdef"
				dst = append(dst, '\\', 'u', '0', '0', hex[r>>4], hex[r&0xf])
			} else {
				dst = append(dst, string(r)...)
			}
		}
	}
	return append(dst, '"')
}
