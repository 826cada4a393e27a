package casting

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	errspkg "github.com/streambus/streambus/internal/runtime/errors"
)

// FromWire casts a wire value into the descriptor's target type. Scalar,
// enum, and sequence mismatches return the wire value unchanged; only
// Record and Constructible targets can fail, with a CastingError.
func FromWire(wire any, d *Descriptor) (any, error) {
	if d == nil {
		return wire, nil
	}
	if wire == nil {
		return nil, nil
	}

	switch d.Kind {
	case KindAny, KindUnsupported:
		return wire, nil
	case KindOptional:
		return FromWire(wire, d.Elem)
	case KindInt, KindUint:
		return castInt(wire, d), nil
	case KindFloat:
		return castFloat(wire, d), nil
	case KindBool:
		return castBool(wire, d), nil
	case KindString:
		return castString(wire, d), nil
	case KindDecimal:
		return castDecimal(wire), nil
	case KindUUID:
		return castUUID(wire), nil
	case KindTime:
		return castTime(wire), nil
	case KindDuration:
		return castDuration(wire), nil
	case KindComplex:
		return castComplex(wire, d), nil
	case KindEnum:
		return castEnum(wire, d), nil
	case KindSequence:
		return castSequence(wire, d)
	case KindMapping:
		return castMapping(wire, d)
	case KindConstructible:
		return castConstructible(wire, d)
	case KindRecord:
		return castRecord(wire, d)
	}
	return wire, nil
}

// CastParameters applies FromWire to every keyword argument that has a
// declared descriptor in the signature. Parameters absent from the signature
// pass through unchanged.
func CastParameters(sig *Signature, kwargs map[string]any) (map[string]any, error) {
	if sig == nil || len(kwargs) == 0 {
		return kwargs, nil
	}
	out := make(map[string]any, len(kwargs))
	for name, value := range kwargs {
		d, ok := sig.Descriptor(name)
		if !ok {
			out[name] = value
			continue
		}
		cast, err := FromWire(value, d)
		if err != nil {
			return nil, err
		}
		out[name] = cast
	}
	return out, nil
}

func convert(v any, t reflect.Type) any {
	rv := reflect.ValueOf(v)
	if rv.Type() == t {
		return v
	}
	if rv.Type().ConvertibleTo(t) {
		return rv.Convert(t).Interface()
	}
	return v
}

func castInt(wire any, d *Descriptor) any {
	switch w := wire.(type) {
	case bool:
		n := int64(0)
		if w {
			n = 1
		}
		return convert(n, d.Type)
	case float64:
		return convert(int64(w), d.Type)
	case float32:
		return convert(int64(w), d.Type)
	case json.Number:
		if n, err := w.Int64(); err == nil {
			return convert(n, d.Type)
		}
		return wire
	case string:
		if n, err := strconv.ParseInt(w, 10, 64); err == nil {
			return convert(n, d.Type)
		}
		return wire
	}
	if rv := reflect.ValueOf(wire); isNumeric(rv.Kind()) {
		return convert(wire, d.Type)
	}
	return wire
}

func castFloat(wire any, d *Descriptor) any {
	switch w := wire.(type) {
	case bool:
		f := 0.0
		if w {
			f = 1.0
		}
		return convert(f, d.Type)
	case json.Number:
		if f, err := w.Float64(); err == nil {
			return convert(f, d.Type)
		}
		return wire
	case string:
		if f, err := strconv.ParseFloat(w, 64); err == nil {
			return convert(f, d.Type)
		}
		return wire
	}
	if rv := reflect.ValueOf(wire); isNumeric(rv.Kind()) {
		return convert(wire, d.Type)
	}
	return wire
}

func castBool(wire any, d *Descriptor) any {
	switch w := wire.(type) {
	case bool:
		return convert(w, d.Type)
	case string:
		// Truthiness of the string, not a parse: "" is false, anything
		// else (including "0") is true.
		return convert(len(w) > 0, d.Type)
	case json.Number:
		if f, err := w.Float64(); err == nil {
			return convert(f != 0, d.Type)
		}
		return wire
	}
	if rv := reflect.ValueOf(wire); isNumeric(rv.Kind()) {
		return convert(rv.Convert(reflect.TypeOf(float64(0))).Float() != 0, d.Type)
	}
	return wire
}

func castString(wire any, d *Descriptor) any {
	switch w := wire.(type) {
	case string:
		return convert(w, d.Type)
	case []byte:
		return convert(string(w), d.Type)
	case json.Number:
		return convert(w.String(), d.Type)
	case bool, float32, float64:
		return convert(fmt.Sprint(w), d.Type)
	}
	if rv := reflect.ValueOf(wire); isNumeric(rv.Kind()) || rv.Kind() == reflect.String {
		return convert(fmt.Sprint(wire), d.Type)
	}
	return wire
}

func castDecimal(wire any) any {
	switch w := wire.(type) {
	case decimal.Decimal:
		return w
	case string:
		if dec, err := decimal.NewFromString(w); err == nil {
			return dec
		}
	case json.Number:
		if dec, err := decimal.NewFromString(w.String()); err == nil {
			return dec
		}
	case float64:
		return decimal.NewFromFloat(w)
	case int:
		return decimal.NewFromInt(int64(w))
	case int64:
		return decimal.NewFromInt(w)
	}
	return wire
}

func castUUID(wire any) any {
	switch w := wire.(type) {
	case uuid.UUID:
		return w
	case string:
		if id, err := uuid.Parse(w); err == nil {
			return id
		}
	case []byte:
		if id, err := uuid.FromBytes(w); err == nil {
			return id
		}
	}
	return wire
}

func castTime(wire any) any {
	switch w := wire.(type) {
	case time.Time:
		return w
	case string:
		if t, err := time.Parse(time.RFC3339Nano, w); err == nil {
			return t
		}
		if t, err := time.Parse(time.DateOnly, w); err == nil {
			return t
		}
	}
	return wire
}

func castDuration(wire any) any {
	switch w := wire.(type) {
	case time.Duration:
		return w
	case string:
		if dur, err := time.ParseDuration(w); err == nil {
			return dur
		}
	case float64:
		return time.Duration(int64(w))
	case int64:
		return time.Duration(w)
	}
	return wire
}

func castComplex(wire any, d *Descriptor) any {
	switch w := wire.(type) {
	case complex64, complex128:
		return convert(w, d.Type)
	case string:
		if c, err := strconv.ParseComplex(w, 128); err == nil {
			return convert(c, d.Type)
		}
	case float64:
		return convert(complex(w, 0), d.Type)
	}
	return wire
}

func castEnum(wire any, d *Descriptor) any {
	if reflect.TypeOf(wire) == d.Type {
		return wire
	}
	name, ok := wire.(string)
	if !ok || d.Type.Kind() != reflect.String {
		return wire
	}
	for _, member := range d.Members {
		if member == name {
			return reflect.ValueOf(name).Convert(d.Type).Interface()
		}
	}
	// Unknown future member: tolerate, never fail.
	return wire
}

func castSequence(wire any, d *Descriptor) (any, error) {
	rv := reflect.ValueOf(wire)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return wire, nil
	}

	n := rv.Len()
	items := make([]any, n)
	for i := 0; i < n; i++ {
		cast, err := FromWire(rv.Index(i).Interface(), d.Elem)
		if err != nil {
			return nil, err
		}
		items[i] = cast
	}

	if d.Type.Kind() != reflect.Slice {
		return items, nil
	}
	typed := reflect.MakeSlice(d.Type, n, n)
	for i, item := range items {
		if !assign(typed.Index(i), item) {
			// A passthrough item does not fit the element type; fall back to
			// the loose representation rather than dropping values.
			return items, nil
		}
	}
	return typed.Interface(), nil
}

func castMapping(wire any, d *Descriptor) (any, error) {
	rv := reflect.ValueOf(wire)
	if rv.Kind() != reflect.Map {
		return wire, nil
	}

	loose := make(map[string]any, rv.Len())
	typed := reflect.MakeMapWithSize(d.Type, rv.Len())
	typedOK := true

	iter := rv.MapRange()
	for iter.Next() {
		key, err := FromWire(iter.Key().Interface(), d.Key)
		if err != nil {
			return nil, err
		}
		value, err := FromWire(iter.Value().Interface(), d.Value)
		if err != nil {
			return nil, err
		}
		loose[fmt.Sprint(iter.Key().Interface())] = value

		if typedOK {
			kv := reflect.New(d.Type.Key()).Elem()
			vv := reflect.New(d.Type.Elem()).Elem()
			if assign(kv, key) && assign(vv, value) {
				typed.SetMapIndex(kv, vv)
			} else {
				typedOK = false
			}
		}
	}
	if typedOK {
		return typed.Interface(), nil
	}
	return loose, nil
}

func castConstructible(wire any, d *Descriptor) (any, error) {
	fields, ok := wireFields(wire)
	if !ok {
		return wire, nil
	}

	target := reflect.New(d.Type)
	c, ok := target.Interface().(Constructible)
	if !ok {
		c, ok = target.Elem().Interface().(Constructible)
		if !ok {
			return wire, nil
		}
	}
	if err := c.ConstructFromWire(fields); err != nil {
		return nil, &errspkg.CastingError{Target: d.Type.String(), Err: err}
	}
	return target.Elem().Interface(), nil
}

func castRecord(wire any, d *Descriptor) (any, error) {
	fields, ok := wireFields(wire)
	if !ok {
		return wire, nil
	}

	target := reflect.New(d.Type).Elem()
	for _, f := range d.Fields {
		value, present := fields[f.Name]
		if !present {
			// Missing fields stay at their zero value; Optional fields stay
			// nil. Extra wire keys are ignored.
			continue
		}
		cast, err := FromWire(value, f.Desc)
		if err != nil {
			return nil, err
		}
		assign(target.Field(f.Index), cast)
	}
	return target.Interface(), nil
}

// wireFields normalizes a wire map into map[string]any.
func wireFields(wire any) (map[string]any, bool) {
	if m, ok := wire.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(wire)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	m := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		m[iter.Key().String()] = iter.Value().Interface()
	}
	return m, true
}

// assign sets dst to val, wrapping in a pointer for Optional targets.
// Returns false when the value cannot be stored, leaving dst zero.
func assign(dst reflect.Value, val any) bool {
	if val == nil {
		return true
	}
	rv := reflect.ValueOf(val)
	switch {
	case rv.Type().AssignableTo(dst.Type()):
		dst.Set(rv)
	case dst.Kind() == reflect.Pointer && rv.Type().AssignableTo(dst.Type().Elem()):
		p := reflect.New(dst.Type().Elem())
		p.Elem().Set(rv)
		dst.Set(p)
	case isNumeric(rv.Kind()) && isNumeric(dst.Kind()):
		dst.Set(rv.Convert(dst.Type()))
	default:
		return false
	}
	return true
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// ToWire converts a typed value into its loose wire representation: scalars
// stay scalars, rich scalar types become strings, structs become field maps,
// and collections recurse.
func ToWire(v any) any {
	if v == nil {
		return nil
	}

	switch w := v.(type) {
	case time.Time:
		return w.Format(time.RFC3339Nano)
	case time.Duration:
		return w.String()
	case uuid.UUID:
		return w.String()
	case decimal.Decimal:
		return w.String()
	case json.Number:
		return w.String()
	case []byte:
		return w
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return ToWire(rv.Elem().Interface())
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Complex64, reflect.Complex128:
		return strconv.FormatComplex(rv.Complex(), 'g', -1, 128)
	case reflect.String:
		return rv.String()
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = ToWire(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(ToWire(iter.Key().Interface()))] = ToWire(iter.Value().Interface())
		}
		return out
	case reflect.Struct:
		d := Of(rv.Type())
		if d.Kind != KindRecord {
			// Rich scalar structs were handled above; anything else opaque
			// is passed through for the codec to reject or encode.
			return v
		}
		out := make(map[string]any, len(d.Fields))
		for _, f := range d.Fields {
			out[f.Name] = ToWire(rv.Field(f.Index).Interface())
		}
		return out
	}
	return v
}
