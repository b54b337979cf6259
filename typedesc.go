package estore

import (
	"reflect"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// TypeDescriptor is the persisted description of a Go type whose values are
// stored with SerialBinding. Records refer to it by the small integer id the
// ClassCatalog assigns.
type TypeDescriptor struct {
	Name   string            `msgpack:"n" json:"name" yaml:"name"`
	Kind   string            `msgpack:"k" json:"kind" yaml:"kind"`
	Fields []FieldDescriptor `msgpack:"f,omitempty" json:"fields,omitempty" yaml:"fields,omitempty"`

	fp uint64
}

type FieldDescriptor struct {
	Name string `msgpack:"n" json:"name" yaml:"name"`
	Type string `msgpack:"t" json:"type" yaml:"type"`
}

// DescribeType builds the descriptor of typ. Struct descriptors list the
// fields msgpack encodes, under their encoded names.
func DescribeType(typ reflect.Type) *TypeDescriptor {
	desc := &TypeDescriptor{
		Name: typeName(typ),
		Kind: typ.Kind().String(),
	}
	if typ.Kind() == reflect.Struct {
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("msgpack"); ok {
				tagName, _, _ := strings.Cut(tag, ",")
				if tagName == "-" {
					continue
				}
				if tagName != "" {
					name = tagName
				}
			}
			desc.Fields = append(desc.Fields, FieldDescriptor{Name: name, Type: typeName(f.Type)})
		}
	}
	desc.fp = desc.fingerprint()
	return desc
}

func typeName(typ reflect.Type) string {
	if typ.Name() != "" && typ.PkgPath() != "" {
		return typ.PkgPath() + "." + typ.Name()
	}
	return typ.String()
}

// Fingerprint is a hash of the canonical msgpack form of the descriptor.
func (d *TypeDescriptor) Fingerprint() uint64 {
	if d.fp == 0 {
		d.fp = d.fingerprint()
	}
	return d.fp
}

func (d *TypeDescriptor) fingerprint() uint64 {
	return xxhash.Sum64(msgpackMarshal(d))
}

func (d *TypeDescriptor) Equal(o *TypeDescriptor) bool {
	if d.Name != o.Name || d.Kind != o.Kind || len(d.Fields) != len(o.Fields) {
		return false
	}
	for i, f := range d.Fields {
		if f != o.Fields[i] {
			return false
		}
	}
	return true
}

func (d *TypeDescriptor) String() string {
	if len(d.Fields) == 0 {
		return d.Name
	}
	var buf strings.Builder
	buf.WriteString(d.Name)
	buf.WriteString("{")
	for i, f := range d.Fields {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(f.Name)
		buf.WriteByte(' ')
		buf.WriteString(f.Type)
	}
	buf.WriteString("}")
	return buf.String()
}
