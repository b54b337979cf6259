package estore

import (
	"encoding"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"
	"unicode/utf8"
)

// FlatMarshaler lets a type control its own order-preserving key encoding.
type FlatMarshaler interface {
	MarshalFlat(buf []byte) []byte
}

type FlatUnmarshaler interface {
	UnmarshalFlat(buf []byte) error
}

var flatMarshalerType = reflect.TypeOf((*FlatMarshaler)(nil)).Elem()
var flatUnmarshalerType = reflect.TypeOf((*FlatUnmarshaler)(nil)).Elem()
var textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
var binaryMarshalerType = reflect.TypeOf((*encoding.BinaryMarshaler)(nil)).Elem()
var binaryUnmarshalerType = reflect.TypeOf((*encoding.BinaryUnmarshaler)(nil)).Elem()
var timeType = reflect.TypeOf((*time.Time)(nil)).Elem()
var byteType = reflect.TypeOf((byte)(0))

const signBit = 1 << 63

func appendUint64(buf []byte, v uint64) []byte {
	return appendFixedUint64(buf, v)
}

func decodeUint64(b []byte, what string) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid %s length: got %d bytes, wanted %d", what, len(b), 8)
	}
	return binary.BigEndian.Uint64(b), nil
}

// Signed integers are stored with the sign bit flipped so that negative
// values sort before positive ones.
func encodeOrderedInt(v int64) uint64 {
	return uint64(v) ^ signBit
}

func decodeOrderedInt(u uint64) int64 {
	return int64(u ^ signBit)
}

// Positive floats get the sign bit set, negative floats get all bits
// inverted; the result sorts in numeric order.
func encodeOrderedFloat(f float64) uint64 {
	u := math.Float64bits(f)
	if u&signBit != 0 {
		return ^u
	}
	return u | signBit
}

func decodeOrderedFloat(u uint64) float64 {
	if u&signBit != 0 {
		return math.Float64frombits(u &^ signBit)
	}
	return math.Float64frombits(^u)
}

type flatEncoder struct {
	buf []byte
	tupleEncoder
}

func (fe *flatEncoder) begin() {
	fe.buf = fe.tupleEncoder.begin(fe.buf)
}
func (fe *flatEncoder) append(b []byte) {
	fe.buf = appendRaw(fe.buf, b)
}
func (fe *flatEncoder) finalize() []byte {
	return fe.tupleEncoder.finalize(fe.buf)
}

var flatEncodings sync.Map

// flatEncoding is the order-preserving encoding of a type as a tuple of its
// primitive components (struct fields are flattened depth-first).
type flatEncoding struct {
	typ        reflect.Type
	components []*flatComponent
}

type flatComponent struct {
	Type        reflect.Type
	Path        string
	RawStringer func(b []byte) (string, error)
	Stringer    func(val reflect.Value) string
	Getters     []func(v reflect.Value, init bool) reflect.Value
	Decode      func(b []byte, v reflect.Value) error
	Encode      func(fe *flatEncoder, v reflect.Value) error
}

func (fc *flatComponent) valueIn(val reflect.Value, init bool) reflect.Value {
	for i := len(fc.Getters) - 1; i >= 0; i-- {
		if !val.IsValid() {
			return val
		}
		val = fc.Getters[i](val, init)
	}
	return val
}

func flatEncodingOf(typ reflect.Type) *flatEncoding {
	if e, ok := flatEncodings.Load(typ); ok {
		return e.(*flatEncoding)
	}
	enc := &flatEncoding{typ: typ}
	enumerateFlatComponents(typ, func(fc *flatComponent) {
		if fc.Type.Implements(textMarshalerType) {
			fc.Stringer = func(val reflect.Value) string {
				return string(must(val.Interface().(encoding.TextMarshaler).MarshalText()))
			}
		}
		enc.components = append(enc.components, fc)
	})
	e, _ := flatEncodings.LoadOrStore(typ, enc)
	return e.(*flatEncoding)
}

func (enc *flatEncoding) encode(buf []byte, val reflect.Value) ([]byte, error) {
	fe := flatEncoder{buf: buf}
	for _, fc := range enc.components {
		fe.begin()
		cval := fc.valueIn(val, false)
		if !cval.IsValid() {
			return nil, fmt.Errorf("cannot encode nil %v%s", enc.typ, fc.Path)
		}
		if err := fc.Encode(&fe, cval); err != nil {
			return nil, fmt.Errorf("%s%w", pathPrefix(fc.Path), err)
		}
	}
	return fe.finalize(), nil
}

func (enc *flatEncoding) decode(buf []byte, val reflect.Value) error {
	tup, err := decodeTuple(buf)
	if err != nil {
		return dataErrf(buf, 0, err, "%v", enc.typ)
	}

	err = enc.decodeTup(tup, val)
	if err != nil {
		return dataErrf(buf, len(buf), err, "%v", enc.typ)
	}
	return nil
}

func (enc *flatEncoding) decodeTup(tup tuple, val reflect.Value) error {
	if val.Kind() != reflect.Ptr {
		panic(fmt.Errorf("flatEncoding must be decoding into a ptr, got %v", val.Type()))
	}
	val = val.Elem()

	if len(tup) != len(enc.components) {
		return fmt.Errorf("wrong number of components: got %d, wanted %d", len(tup), len(enc.components))
	}

	for i, fc := range enc.components {
		cval := fc.valueIn(val, true)
		if !cval.IsValid() {
			panic(fmt.Errorf("invalid cval while decoding %v%s", enc.typ, fc.Path))
		}
		if !cval.CanSet() {
			panic(fmt.Errorf("unsettable cval while decoding %v%s", enc.typ, fc.Path))
		}
		err := fc.Decode(tup[i], cval)
		if err != nil {
			return fmt.Errorf("%s%w", pathPrefix(fc.Path), err)
		}
	}
	return nil
}

func (enc *flatEncoding) tupleToStrings(tup tuple) ([]string, error) {
	n := len(enc.components)
	if len(tup) != n {
		return nil, fmt.Errorf("wrong number of components: got %d, wanted %d in: %v", len(tup), n, tup)
	}
	result := make([]string, n)
	for i, fc := range enc.components {
		if fc.RawStringer != nil {
			s, err := fc.RawStringer(tup[i])
			if err != nil {
				return nil, fmt.Errorf("invalid component %d: %w - in %v", i, err, tup)
			}
			result[i] = s
			continue
		}
		val := reflect.New(fc.Type).Elem()
		err := fc.Decode(tup[i], val)
		if err != nil {
			return nil, fmt.Errorf("invalid component %d: %w - in %v", i, err, tup)
		}
		if fc.Stringer != nil {
			result[i] = fc.Stringer(val)
		} else {
			result[i] = fmt.Sprint(val.Interface())
		}
	}
	return result, nil
}

func enumerateFlatComponents(typ reflect.Type, f func(fc *flatComponent)) {
	if typ == timeType {
		f(&flatComponent{
			Type: typ,
			Encode: func(fe *flatEncoder, v reflect.Value) error {
				value := v.Interface().(time.Time)
				fe.buf = appendUint64(fe.buf, encodeOrderedInt(value.Unix()))
				return nil
			},
			Decode: func(b []byte, v reflect.Value) error {
				u, err := decodeUint64(b, "time.Time")
				if err != nil {
					return err
				}
				v.Set(reflect.ValueOf(time.Unix(decodeOrderedInt(u), 0)))
				return nil
			},
		})
		return
	}
	if typ.Implements(flatMarshalerType) && reflect.PointerTo(typ).Implements(flatUnmarshalerType) {
		f(&flatComponent{
			Type: typ,
			Encode: func(fe *flatEncoder, v reflect.Value) error {
				fe.buf = v.Interface().(FlatMarshaler).MarshalFlat(fe.buf)
				return nil
			},
			Decode: func(b []byte, v reflect.Value) error {
				return v.Addr().Interface().(FlatUnmarshaler).UnmarshalFlat(b)
			},
		})
		return
	}
	if typ.Implements(binaryMarshalerType) && reflect.PointerTo(typ).Implements(binaryUnmarshalerType) {
		f(&flatComponent{
			Type: typ,
			Encode: func(fe *flatEncoder, v reflect.Value) error {
				data, err := v.Interface().(encoding.BinaryMarshaler).MarshalBinary()
				if err != nil {
					return fmt.Errorf("%v.MarshalBinary: %w", v.Type(), err)
				}
				fe.append(data)
				return nil
			},
			Decode: func(b []byte, v reflect.Value) error {
				return v.Addr().Interface().(encoding.BinaryUnmarshaler).UnmarshalBinary(b)
			},
		})
		return
	}
	switch typ.Kind() {
	case reflect.String:
		f(&flatComponent{
			Type: typ,
			Encode: func(fe *flatEncoder, v reflect.Value) error {
				fe.buf = append(fe.buf, v.String()...)
				return nil
			},
			Decode: func(b []byte, v reflect.Value) error {
				v.SetString(string(b))
				return nil
			},
			RawStringer: func(b []byte) (string, error) {
				if !utf8.Valid(b) {
					return "", fmt.Errorf("not a valid UTF8 string")
				}
				return string(b), nil
			},
		})
	case reflect.Bool:
		f(&flatComponent{
			Type: typ,
			Encode: func(fe *flatEncoder, v reflect.Value) error {
				if v.Bool() {
					fe.buf = append(fe.buf, 1)
				} else {
					fe.buf = append(fe.buf, 0)
				}
				return nil
			},
			Decode: func(b []byte, v reflect.Value) error {
				if len(b) != 1 || b[0] > 1 {
					return fmt.Errorf("invalid bool data %x", b)
				}
				v.SetBool(b[0] == 1)
				return nil
			},
		})
	case reflect.Uint, reflect.Uint64, reflect.Uint32, reflect.Uint16, reflect.Uint8, reflect.Uintptr:
		f(&flatComponent{
			Type: typ,
			Encode: func(fe *flatEncoder, v reflect.Value) error {
				fe.buf = appendUint64(fe.buf, v.Uint())
				return nil
			},
			Decode: func(b []byte, v reflect.Value) error {
				u, err := decodeUint64(b, "uint")
				if err != nil {
					return err
				}
				if v.OverflowUint(u) {
					return fmt.Errorf("value %d overflows %v", u, v.Type())
				}
				v.SetUint(u)
				return nil
			},
		})
	case reflect.Int, reflect.Int64, reflect.Int32, reflect.Int16, reflect.Int8:
		f(&flatComponent{
			Type: typ,
			Encode: func(fe *flatEncoder, v reflect.Value) error {
				fe.buf = appendUint64(fe.buf, encodeOrderedInt(v.Int()))
				return nil
			},
			Decode: func(b []byte, v reflect.Value) error {
				u, err := decodeUint64(b, "int")
				if err != nil {
					return err
				}
				i := decodeOrderedInt(u)
				if v.OverflowInt(i) {
					return fmt.Errorf("value %d overflows %v", i, v.Type())
				}
				v.SetInt(i)
				return nil
			},
		})
	case reflect.Float64, reflect.Float32:
		f(&flatComponent{
			Type: typ,
			Encode: func(fe *flatEncoder, v reflect.Value) error {
				fe.buf = appendUint64(fe.buf, encodeOrderedFloat(v.Float()))
				return nil
			},
			Decode: func(b []byte, v reflect.Value) error {
				u, err := decodeUint64(b, "float")
				if err != nil {
					return err
				}
				v.SetFloat(decodeOrderedFloat(u))
				return nil
			},
		})
	case reflect.Ptr:
		elemType := typ.Elem()
		get := func(v reflect.Value, init bool) reflect.Value {
			if v.IsNil() {
				if !init {
					return reflect.Value{}
				}
				v.Set(reflect.New(elemType))
			}
			return v.Elem()
		}
		enumerateFlatComponents(typ.Elem(), func(fc *flatComponent) {
			fc.Getters = append(fc.Getters, get)
			f(fc)
		})
	case reflect.Struct:
		n := typ.NumField()
		for i := 0; i < n; i++ {
			field := typ.Field(i)
			if !field.IsExported() {
				continue
			}
			get := func(v reflect.Value, init bool) reflect.Value {
				return v.Field(i)
			}
			enumerateFlatComponents(field.Type, func(fc *flatComponent) {
				fc.Getters = append(fc.Getters, get)
				fc.Path = "." + field.Name + fc.Path
				f(fc)
			})
		}
	case reflect.Slice:
		if typ.Elem() == byteType {
			f(&flatComponent{
				Type: typ,
				Encode: func(fe *flatEncoder, v reflect.Value) error {
					fe.append(v.Bytes())
					return nil
				},
				Decode: func(b []byte, v reflect.Value) error {
					v.SetBytes(append([]byte{}, b...))
					return nil
				},
				RawStringer: func(b []byte) (string, error) {
					return hex.EncodeToString(b), nil
				},
			})
			return
		}
		panic(fmt.Errorf("estore does not know how to flat-encode slice %v", typ))
	case reflect.Array:
		if typ.Elem() == byteType {
			f(&flatComponent{
				Type: typ,
				Encode: func(fe *flatEncoder, v reflect.Value) error {
					off, buf := grow(fe.buf, v.Len())
					reflect.Copy(reflect.ValueOf(buf[off:]), v)
					fe.buf = buf
					return nil
				},
				Decode: func(b []byte, v reflect.Value) error {
					if len(b) != v.Len() {
						return fmt.Errorf("invalid %v data length: got %d bytes, wanted %d", v.Type(), len(b), v.Len())
					}
					reflect.Copy(v, reflect.ValueOf(b))
					return nil
				},
				RawStringer: func(b []byte) (string, error) {
					return hex.EncodeToString(b), nil
				},
			})
			return
		}
		panic(fmt.Errorf("estore does not know how to flat-encode array %v", typ))
	default:
		panic(fmt.Errorf("estore does not know how to flat-encode %v", typ))
	}
}

func pathPrefix(p string) string {
	if p == "" {
		return ""
	}
	return p + ": "
}
