package estore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
)

const (
	debugLogRawScans = false
)

// RawRange defines a range of byte strings. The constructors use mnemonics:
// O means open, I means inclusive, E means exclusive; the first letter is for
// the lower bound, the second for the upper bound.
//
// With Grouped set, a key that starts with a bound counts as equal to it.
// Sorted-duplicate index entries use this to compare by secondary key only.
type RawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
	Grouped  bool
}

func RawOO() RawRange            { return RawRange{} }
func RawIO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: true} }
func RawEO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: false} }
func RawOI(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: true} }
func RawOE(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: false} }
func RawII(l, u []byte) RawRange { return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: true} }
func RawIE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: false}
}
func RawEI(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: true}
}
func RawEE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: false}
}
func RawPrefix(p []byte) RawRange                { return RawRange{Prefix: p} }
func (rang RawRange) Prefixed(p []byte) RawRange { rang.Prefix = p; return rang }
func (rang RawRange) Reversed() RawRange         { rang.Reverse = true; return rang }

// validate rejects inverted ranges and bounds that fall outside the prefix.
func (r *RawRange) validate() error {
	if r.Prefix != nil {
		if r.Lower != nil && !bytes.HasPrefix(r.Lower, r.Prefix) {
			return fmt.Errorf("%w: lower bound %x does not match prefix %x", ErrKeyRange, r.Lower, r.Prefix)
		}
		if r.Upper != nil && !bytes.HasPrefix(r.Upper, r.Prefix) {
			return fmt.Errorf("%w: upper bound %x does not match prefix %x", ErrKeyRange, r.Upper, r.Prefix)
		}
	}
	if r.Lower != nil && r.Upper != nil && bytes.Compare(r.Lower, r.Upper) > 0 {
		return fmt.Errorf("%w: lower bound %x is above upper bound %x", ErrKeyRange, r.Lower, r.Upper)
	}
	return nil
}

func (r *RawRange) aboveLower(k []byte) bool {
	if r.Lower == nil {
		return true
	}
	if r.Grouped && bytes.HasPrefix(k, r.Lower) {
		return r.LowerInc
	}
	cmp := bytes.Compare(k, r.Lower)
	return cmp > 0 || (cmp == 0 && r.LowerInc)
}

func (r *RawRange) belowUpper(k []byte) bool {
	if r.Upper == nil {
		return true
	}
	if r.Grouped && bytes.HasPrefix(k, r.Upper) {
		return r.UpperInc
	}
	cmp := bytes.Compare(k, r.Upper)
	return cmp < 0 || (cmp == 0 && r.UpperInc)
}

func (r *RawRange) contains(k []byte) bool {
	if r.Prefix != nil && !bytes.HasPrefix(k, r.Prefix) {
		return false
	}
	return r.aboveLower(k) && r.belowUpper(k)
}

// seekMin positions bcur on the smallest key of the range.
func (r *RawRange) seekMin(bcur storageCursor, logger *slog.Logger) ([]byte, []byte) {
	var k, v []byte
	start := r.Lower
	if start == nil {
		start = r.Prefix
	}
	if start != nil {
		k, v = bcur.Seek(start)
	} else {
		k, v = bcur.First()
	}
	for k != nil && !r.aboveLower(k) {
		k, v = bcur.Next()
	}
	if debugLogRawScans {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK min", hexAttr("start", start), hexAttr("key", k))
	}
	return k, v
}

// seekMax positions bcur on the largest key of the range.
func (r *RawRange) seekMax(bcur storageCursor, logger *slog.Logger) ([]byte, []byte) {
	var k, v []byte
	end := r.Upper
	if end == nil {
		end = r.Prefix
	}
	if end != nil {
		k, v = bcur.SeekLast(end)
	} else {
		k, v = bcur.Last()
	}
	for k != nil && !r.belowUpper(k) {
		k, v = bcur.Prev()
	}
	if debugLogRawScans {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK max", hexAttr("end", end), hexAttr("key", k))
	}
	return k, v
}

type ScanMethod int

const (
	ScanMethodFull = ScanMethod(iota)
	ScanMethodExact
	ScanMethodRange
)

// ScanOptions select the records a cursor visits. Bounds are keys of the
// scanned store, or secondary keys for index scans; a bound of another type
// fails with ErrKeyRange.
type ScanOptions struct {
	Reverse  bool
	Method   ScanMethod
	Lower    any
	Upper    any
	LowerInc bool
	UpperInc bool
	Els      int
}

func (so ScanOptions) Reversed() ScanOptions {
	so.Reverse = true
	return so
}

// Prefix limits an exact scan to the first els components of its key. Only
// tuple-encoded keys support it.
func (so ScanOptions) Prefix(els int) ScanOptions {
	so.Els = els
	return so
}

func FullScan() ScanOptions {
	return ScanOptions{Method: ScanMethodFull}
}

func ExactScan(v any) ScanOptions {
	return ScanOptions{Method: ScanMethodExact, Lower: v}
}

// PrefixScan matches keys whose leading components equal v's first els
// components.
func PrefixScan(v any, els int) ScanOptions {
	return ExactScan(v).Prefix(els)
}

// RangeScan matches keys between lower and upper; a nil bound is open.
func RangeScan(lower, upper any, lowerInc, upperInc bool) ScanOptions {
	return ScanOptions{Method: ScanMethodRange, Lower: lower, Upper: upper, LowerInc: lowerInc, UpperInc: upperInc}
}

// rawRange converts so into a RawRange over keys encoded by kb. The grouped
// form escapes the bounds the way sorted-duplicate index entries do.
func rawRangeOf[T any](tx *Tx, kb KeyBinding[T], so ScanOptions, grouped bool) (RawRange, error) {
	r := RawRange{Reverse: so.Reverse, Grouped: grouped}
	encode := func(bound any, what string) ([]byte, error) {
		v, ok := bound.(T)
		if !ok {
			var zero T
			return nil, fmt.Errorf("%w: %s bound is %T, expected %T", ErrKeyRange, what, bound, zero)
		}
		raw, err := kb.EncodeKey(tx, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s bound: %w", ErrKeyRange, what, err)
		}
		if grouped {
			raw = appendEscaped(nil, raw)
		}
		return raw, nil
	}

	switch so.Method {
	case ScanMethodFull:
	case ScanMethodExact:
		if so.Lower == nil {
			return r, fmt.Errorf("%w: exact scan without a value", ErrKeyRange)
		}
		v, ok := so.Lower.(T)
		if !ok {
			var zero T
			return r, fmt.Errorf("%w: exact scan value is %T, expected %T", ErrKeyRange, so.Lower, zero)
		}
		raw, err := kb.EncodeKey(tx, v)
		if err != nil {
			return r, fmt.Errorf("%w: %w", ErrKeyRange, err)
		}
		if so.Els > 0 {
			if _, ok := kb.(tupleKeys); !ok {
				return r, fmt.Errorf("%w: prefix scans need tuple-encoded keys, got %T", ErrKeyRange, kb)
			}
			n, err := tuplePrefixLen(raw, so.Els)
			if err != nil {
				return r, fmt.Errorf("%w: %w", ErrKeyRange, err)
			}
			if grouped {
				r.Prefix = escapePrefix(nil, raw[:n])
			} else {
				r.Prefix = raw[:n]
			}
		} else if grouped {
			r.Prefix = appendEscaped(nil, raw)
		} else {
			r.Lower, r.Upper, r.LowerInc, r.UpperInc = raw, raw, true, true
		}
	case ScanMethodRange:
		var err error
		if so.Lower != nil {
			if r.Lower, err = encode(so.Lower, "lower"); err != nil {
				return r, err
			}
			r.LowerInc = so.LowerInc
		}
		if so.Upper != nil {
			if r.Upper, err = encode(so.Upper, "upper"); err != nil {
				return r, err
			}
			r.UpperInc = so.UpperInc
		}
	default:
		return r, fmt.Errorf("%w: unsupported scan method %v", ErrKeyRange, so.Method)
	}
	return r, r.validate()
}
