// Package casting converts between loosely-typed wire values (strings,
// numbers, nested maps) and strongly-typed Go values, driven by type
// descriptors precomputed from reflection at API-registration time.
//
// Casting is deliberately permissive: only record and wire-constructible
// targets can fail construction. Every other mismatch passes the wire value
// through unchanged so that unknown future values never break a consumer.
package casting

import (
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind tags a Descriptor variant.
type Kind uint8

const (
	// KindAny passes wire values through untouched. It is the default for
	// untyped parameters.
	KindAny Kind = iota
	KindUnsupported
	KindInt
	KindUint
	KindFloat
	KindBool
	KindString
	KindDecimal
	KindUUID
	KindTime
	KindDuration
	KindComplex
	KindOptional
	KindEnum
	KindSequence
	KindMapping
	KindRecord
	KindConstructible
)

// Descriptor is the resolved, immutable shape used to cast a wire value into
// one target type. Built once per signature and reused for every call.
type Descriptor struct {
	Kind Kind
	Type reflect.Type

	// Elem is the inner descriptor for Optional and the element descriptor
	// for Sequence.
	Elem *Descriptor

	// Key and Value describe Mapping entries.
	Key   *Descriptor
	Value *Descriptor

	// Fields holds the ordered field set of a Record.
	Fields []Field

	// Members lists the valid wire names of an Enum.
	Members []string
}

// Field is one named field of a Record descriptor.
type Field struct {
	Name  string
	Index int
	Desc  *Descriptor
}

// Enum is implemented by named types whose wire form is one of a fixed set
// of names. A wire string equal to a member name casts to the named type;
// any other value passes through unchanged.
type Enum interface {
	EnumValues() []string
}

// Constructible lets a type take over its own construction from a wire field
// map. It takes precedence over generic record construction. The receiver is
// a fresh zero value; a returned error surfaces as a CastingError.
type Constructible interface {
	ConstructFromWire(fields map[string]any) error
}

var (
	enumType          = reflect.TypeOf((*Enum)(nil)).Elem()
	constructibleType = reflect.TypeOf((*Constructible)(nil)).Elem()
	timeType          = reflect.TypeOf(time.Time{})
	durationType      = reflect.TypeOf(time.Duration(0))
	uuidType          = reflect.TypeOf(uuid.UUID{})
	decimalType       = reflect.TypeOf(decimal.Decimal{})
)

var anyDescriptor = &Descriptor{Kind: KindAny}

var (
	cacheMu sync.Mutex
	cache   = make(map[reflect.Type]*Descriptor)
)

// Of returns the descriptor for a reflect type, building and caching it on
// first use. A nil type yields the Any descriptor.
func Of(t reflect.Type) *Descriptor {
	if t == nil {
		return anyDescriptor
	}
	cacheMu.Lock()
	defer cacheMu.Unlock()
	return ofLocked(t)
}

// OfType returns the descriptor for T.
func OfType[T any]() *Descriptor {
	return Of(reflect.TypeOf((*T)(nil)).Elem())
}

func ofLocked(t reflect.Type) *Descriptor {
	if d, ok := cache[t]; ok {
		return d
	}
	// Insert before building so self-referential types terminate.
	d := &Descriptor{Type: t}
	cache[t] = d
	build(d, t)
	return d
}

func build(d *Descriptor, t reflect.Type) {
	// Capability hooks win over structural rules.
	if t.Implements(constructibleType) || reflect.PointerTo(t).Implements(constructibleType) {
		d.Kind = KindConstructible
		return
	}
	if t.Implements(enumType) || reflect.PointerTo(t).Implements(enumType) {
		d.Kind = KindEnum
		d.Members = enumMembers(t)
		return
	}

	switch t {
	case timeType:
		d.Kind = KindTime
		return
	case durationType:
		d.Kind = KindDuration
		return
	case uuidType:
		d.Kind = KindUUID
		return
	case decimalType:
		d.Kind = KindDecimal
		return
	}

	switch t.Kind() {
	case reflect.Pointer:
		d.Kind = KindOptional
		d.Elem = ofLocked(t.Elem())
	case reflect.Interface:
		d.Kind = KindAny
	case reflect.String:
		d.Kind = KindString
	case reflect.Bool:
		d.Kind = KindBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		d.Kind = KindInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		d.Kind = KindUint
	case reflect.Float32, reflect.Float64:
		d.Kind = KindFloat
	case reflect.Complex64, reflect.Complex128:
		d.Kind = KindComplex
	case reflect.Slice, reflect.Array:
		d.Kind = KindSequence
		d.Elem = ofLocked(t.Elem())
	case reflect.Map:
		d.Kind = KindMapping
		d.Key = ofLocked(t.Key())
		d.Value = ofLocked(t.Elem())
	case reflect.Struct:
		d.Kind = KindRecord
		d.Fields = recordFields(t)
	default:
		d.Kind = KindUnsupported
	}
}

func enumMembers(t reflect.Type) []string {
	var v reflect.Value
	if t.Implements(enumType) {
		v = reflect.Zero(t)
	} else {
		v = reflect.New(t)
	}
	return v.Interface().(Enum).EnumValues()
}

func recordFields(t reflect.Type) []Field {
	fields := make([]Field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := wireName(f)
		if name == "" {
			continue
		}
		fields = append(fields, Field{Name: name, Index: i, Desc: ofLocked(f.Type)})
	}
	return fields
}

// wireName resolves a struct field's wire name: the json tag when present,
// the field name otherwise. A "-" tag drops the field.
func wireName(f reflect.StructField) string {
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		return f.Name
	}
	if idx := indexComma(tag); idx >= 0 {
		tag = tag[:idx]
	}
	if tag == "-" {
		return ""
	}
	if tag == "" {
		return f.Name
	}
	return tag
}

func indexComma(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return i
		}
	}
	return -1
}

// Param is one named parameter of a procedure or event signature. A nil
// descriptor marks an untyped parameter.
type Param struct {
	Name string
	Desc *Descriptor
}

// Signature is the precomputed parameter and return typing of a procedure
// or the payload typing of an event. Immutable after registration.
type Signature struct {
	Params []Param
	Return *Descriptor

	byName map[string]*Descriptor
}

// NewSignature builds a Signature from ordered parameters and an optional
// return descriptor.
func NewSignature(params []Param, ret *Descriptor) *Signature {
	byName := make(map[string]*Descriptor, len(params))
	for _, p := range params {
		if p.Desc != nil {
			byName[p.Name] = p.Desc
		}
	}
	return &Signature{Params: params, Return: ret, byName: byName}
}

// RecordSignature derives a Signature from a record descriptor, one
// parameter per field. Non-record descriptors yield an empty signature.
func RecordSignature(d *Descriptor, ret *Descriptor) *Signature {
	var params []Param
	if d != nil && d.Kind == KindRecord {
		params = make([]Param, 0, len(d.Fields))
		for _, f := range d.Fields {
			params = append(params, Param{Name: f.Name, Desc: f.Desc})
		}
	}
	return NewSignature(params, ret)
}

// Descriptor returns the descriptor declared for a named parameter.
func (s *Signature) Descriptor(name string) (*Descriptor, bool) {
	d, ok := s.byName[name]
	return d, ok
}
