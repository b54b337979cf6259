package estore

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

var entityInfoCache sync.Map

type entityInfo struct {
	keyField reflect.StructField
}

func (ei *entityInfo) keyValue(entityVal reflect.Value) reflect.Value {
	return entityVal.FieldByIndex(ei.keyField.Index)
}

func reflectEntity(typ reflect.Type) *entityInfo {
	if v, ok := entityInfoCache.Load(typ); ok {
		return v.(*entityInfo)
	}
	info := reflectEntityWithoutCache(typ)
	actual, _ := entityInfoCache.LoadOrStore(typ, info)
	return actual.(*entityInfo)
}

// reflectEntityWithoutCache finds the key field of an entity struct: the
// field tagged `estore:"key"`, or else the first field.
func reflectEntityWithoutCache(typ reflect.Type) *entityInfo {
	if typ.Kind() != reflect.Struct {
		panic(fmt.Errorf("%v not a struct", typ))
	}
	if typ.NumField() == 0 {
		panic(fmt.Errorf("%v is an empty struct", typ))
	}
	keyField := typ.Field(0)
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if tag, _ := f.Tag.Lookup("estore"); tag == "key" {
			keyField = f
			break
		}
	}
	if !keyField.IsExported() {
		panic(fmt.Errorf("key field %v.%s must be exported", typ, keyField.Name))
	}
	return &entityInfo{keyField: keyField}
}

func tagOmitsField(f reflect.StructField, tagName string) bool {
	tag, ok := f.Tag.Lookup(tagName)
	if !ok {
		return false
	}
	name, _, _ := strings.Cut(tag, ",")
	return name == "-"
}
