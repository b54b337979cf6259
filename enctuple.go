package estore

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// Tuple format: each element is escaped (00 becomes 00 FF) and terminated by
// 00 01. Byte order of encoded tuples matches element-wise byte order, and
// the encoding of the first n elements is a prefix of the whole tuple.
type tuple [][]byte

const (
	escByte  = 0x00
	escZero  = 0xFF
	escTerm  = 0x01
	termSize = 2
)

func (tup tuple) String() string {
	var buf strings.Builder
	for i, el := range tup {
		if i > 0 {
			buf.WriteByte('|')
		}
		buf.WriteString(hex.EncodeToString(el))
	}
	return buf.String()
}

func (tup tuple) Equal(another tuple) bool {
	n := len(tup)
	if len(another) != n {
		return false
	}
	for i, b := range tup {
		if !bytes.Equal(b, another[i]) {
			return false
		}
	}
	return true
}

func (tup tuple) encode(buf []byte) []byte {
	for _, el := range tup {
		buf = appendEscaped(buf, el)
	}
	return buf
}

// appendEscaped appends one complete tuple element.
func appendEscaped(buf []byte, el []byte) []byte {
	var te tupleEncoder
	te.begin(buf)
	buf = appendRaw(buf, el)
	return te.finalize(buf)
}

// escapedLen is len(appendEscaped(nil, el)).
func escapedLen(el []byte) int {
	return len(el) + bytes.Count(el, []byte{escByte}) + termSize
}

// escapePrefix escapes raw without terminating it, so that the result is a
// prefix of the encoding of every element that starts with raw.
func escapePrefix(buf []byte, raw []byte) []byte {
	for _, b := range raw {
		if b == escByte {
			buf = append(buf, escByte, escZero)
		} else {
			buf = append(buf, b)
		}
	}
	return buf
}

func decodeTuple(raw []byte) (tuple, error) {
	var tup tuple
	for len(raw) > 0 {
		el, n, err := decodeTupleElement(raw)
		if err != nil {
			return nil, err
		}
		tup = append(tup, el)
		raw = raw[n:]
	}
	return tup, nil
}

// decodeTupleElement returns the unescaped first element of raw and the
// number of encoded bytes it occupied.
func decodeTupleElement(raw []byte) ([]byte, int, error) {
	var out []byte
	start := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] != escByte {
			continue
		}
		if i+1 >= len(raw) {
			return nil, 0, fmt.Errorf("invalid tuple: dangling escape at %d", i)
		}
		switch raw[i+1] {
		case escTerm:
			if out == nil {
				return raw[:i:i], i + termSize, nil
			}
			return append(out, raw[start:i]...), i + termSize, nil
		case escZero:
			out = append(out, raw[start:i]...)
			out = append(out, 0)
			i++
			start = i + 1
		default:
			return nil, 0, fmt.Errorf("invalid tuple: bad escape %02x at %d", raw[i+1], i)
		}
	}
	return nil, 0, fmt.Errorf("invalid tuple: unterminated element")
}

// tuplePrefixLen returns the length of the encoding of the first n elements.
func tuplePrefixLen(raw []byte, n int) (int, error) {
	off := 0
	for i := 0; i < n; i++ {
		if off >= len(raw) {
			return 0, fmt.Errorf("invalid tuple: want %d elements, got %d", n, i)
		}
		_, m, err := decodeTupleElement(raw[off:])
		if err != nil {
			return 0, err
		}
		off += m
	}
	return off, nil
}

// tupleEncoder escapes the elements written into a buffer in place.
type tupleEncoder struct {
	start int
	open  bool
	n     int
}

func (te *tupleEncoder) count() int {
	return te.n
}

func (te *tupleEncoder) begin(buf []byte) []byte {
	buf = te.end(buf)
	te.start = len(buf)
	te.open = true
	te.n++
	return buf
}

func (te *tupleEncoder) finalize(buf []byte) []byte {
	return te.end(buf)
}

func (te *tupleEncoder) end(buf []byte) []byte {
	if !te.open {
		return buf
	}
	te.open = false

	n := len(buf) - te.start
	z := bytes.Count(buf[te.start:], []byte{escByte})
	src := buf[te.start:]
	_, buf = grow(buf, z+termSize)
	out := buf[te.start:]

	// Walk backwards so that src and out may share memory.
	j := n + z - 1
	for i := n - 1; i >= 0; i-- {
		if src[i] == escByte {
			out[j] = escZero
			out[j-1] = escByte
			j -= 2
		} else {
			out[j] = src[i]
			j--
		}
	}
	out[n+z] = escByte
	out[n+z+1] = escTerm
	return buf
}
