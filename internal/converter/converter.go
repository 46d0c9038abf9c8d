package converter

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Converter turns a leaf value into its stored string form and back.
// Values passed to ToString are never pointers; FromString must return a
// value of exactly type t.
type Converter interface {
	ToString(v reflect.Value) (string, error)
	FromString(s string, t reflect.Type) (reflect.Value, error)
}

// Names of the built-in converters.
const (
	NameString    = "string"
	NameInt       = "int"
	NameUint      = "uint"
	NameFloat     = "float"
	NameBool      = "bool"
	NameTime      = "time"
	NameZonedTime = "zoned_time"
	NameDuration  = "duration"
	NamePadded    = "padded"
)

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
)

// Registry resolves converters by name (declared on a mapping) or by Go type.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	named  map[string]Converter
	byType map[reflect.Type]Converter
}

// NewRegistry creates a registry holding the built-in converters.
func NewRegistry() *Registry {
	r := &Registry{
		named:  make(map[string]Converter),
		byType: make(map[reflect.Type]Converter),
	}
	r.Register(NameString, StringConverter{})
	r.Register(NameInt, IntConverter{})
	r.Register(NameUint, UintConverter{})
	r.Register(NameFloat, FloatConverter{})
	r.Register(NameBool, BoolConverter{})
	r.Register(NameTime, TimeConverter{})
	r.Register(NameZonedTime, TimeConverter{KeepZone: true})
	r.Register(NameDuration, DurationConverter{})
	r.Register(NamePadded, PaddedIntConverter{Width: 19})

	r.RegisterType(timeType, TimeConverter{})
	r.RegisterType(durationType, DurationConverter{})
	return r
}

// Register adds or replaces a named converter.
func (r *Registry) Register(name string, c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[name] = c
}

// RegisterType binds a converter to an exact Go type.
func (r *Registry) RegisterType(t reflect.Type, c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[t] = c
}

// Named returns the converter registered under name.
func (r *Registry) Named(name string) (Converter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.named[name]
	return c, ok
}

// ForType returns the converter for t, looking at exact types first and then
// at the kind.
func (r *Registry) ForType(t reflect.Type) (Converter, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	r.mu.RLock()
	c, ok := r.byType[t]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	switch t.Kind() {
	case reflect.String:
		return StringConverter{}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return IntConverter{}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return UintConverter{}, nil
	case reflect.Float32, reflect.Float64:
		return FloatConverter{}, nil
	case reflect.Bool:
		return BoolConverter{}, nil
	}
	return nil, fmt.Errorf("no converter for type %s", t)
}

// StringConverter handles string kinds.
type StringConverter struct{}

func (StringConverter) ToString(v reflect.Value) (string, error) {
	if v.Kind() != reflect.String {
		return "", fmt.Errorf("expected string, got %s", v.Type())
	}
	return v.String(), nil
}

func (StringConverter) FromString(s string, t reflect.Type) (reflect.Value, error) {
	if t.Kind() != reflect.String {
		return reflect.Value{}, fmt.Errorf("cannot convert string into %s", t)
	}
	return reflect.ValueOf(s).Convert(t), nil
}

// IntConverter handles signed integer kinds.
type IntConverter struct{}

func (IntConverter) ToString(v reflect.Value) (string, error) {
	if !isInt(v.Kind()) {
		return "", fmt.Errorf("expected integer, got %s", v.Type())
	}
	return strconv.FormatInt(v.Int(), 10), nil
}

func (IntConverter) FromString(s string, t reflect.Type) (reflect.Value, error) {
	if !isInt(t.Kind()) {
		return reflect.Value{}, fmt.Errorf("cannot convert integer into %s", t)
	}
	n, err := strconv.ParseInt(s, 10, t.Bits())
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(t).Elem()
	out.SetInt(n)
	return out, nil
}

// UintConverter handles unsigned integer kinds.
type UintConverter struct{}

func (UintConverter) ToString(v reflect.Value) (string, error) {
	if !isUint(v.Kind()) {
		return "", fmt.Errorf("expected unsigned integer, got %s", v.Type())
	}
	return strconv.FormatUint(v.Uint(), 10), nil
}

func (UintConverter) FromString(s string, t reflect.Type) (reflect.Value, error) {
	if !isUint(t.Kind()) {
		return reflect.Value{}, fmt.Errorf("cannot convert unsigned integer into %s", t)
	}
	n, err := strconv.ParseUint(s, 10, t.Bits())
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(t).Elem()
	out.SetUint(n)
	return out, nil
}

// FloatConverter handles float kinds using the shortest exact representation.
type FloatConverter struct{}

func (FloatConverter) ToString(v reflect.Value) (string, error) {
	if v.Kind() != reflect.Float32 && v.Kind() != reflect.Float64 {
		return "", fmt.Errorf("expected float, got %s", v.Type())
	}
	return strconv.FormatFloat(v.Float(), 'g', -1, v.Type().Bits()), nil
}

func (FloatConverter) FromString(s string, t reflect.Type) (reflect.Value, error) {
	if t.Kind() != reflect.Float32 && t.Kind() != reflect.Float64 {
		return reflect.Value{}, fmt.Errorf("cannot convert float into %s", t)
	}
	f, err := strconv.ParseFloat(s, t.Bits())
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(t).Elem()
	out.SetFloat(f)
	return out, nil
}

// BoolConverter handles bool kinds.
type BoolConverter struct{}

func (BoolConverter) ToString(v reflect.Value) (string, error) {
	if v.Kind() != reflect.Bool {
		return "", fmt.Errorf("expected bool, got %s", v.Type())
	}
	return strconv.FormatBool(v.Bool()), nil
}

func (BoolConverter) FromString(s string, t reflect.Type) (reflect.Value, error) {
	if t.Kind() != reflect.Bool {
		return reflect.Value{}, fmt.Errorf("cannot convert bool into %s", t)
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(t).Elem()
	out.SetBool(b)
	return out, nil
}

// TimeConverter formats time.Time with Layout (RFC3339Nano when empty).
// Values are stored in UTC, so their text sorts in time order and reads back
// in time.UTC. KeepZone stores the zone offset of the value instead, which
// reads back as a fixed zone of that offset.
type TimeConverter struct {
	Layout   string
	KeepZone bool
}

func (c TimeConverter) layout() string {
	if c.Layout == "" {
		return time.RFC3339Nano
	}
	return c.Layout
}

func (c TimeConverter) ToString(v reflect.Value) (string, error) {
	tm, ok := v.Interface().(time.Time)
	if !ok {
		return "", fmt.Errorf("expected time.Time, got %s", v.Type())
	}
	if !c.KeepZone {
		tm = tm.UTC()
	}
	return tm.Format(c.layout()), nil
}

func (c TimeConverter) FromString(s string, t reflect.Type) (reflect.Value, error) {
	if t != timeType {
		return reflect.Value{}, fmt.Errorf("cannot convert time into %s", t)
	}
	tm, err := time.Parse(c.layout(), s)
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(tm), nil
}

// DurationConverter stores time.Duration in its String form.
type DurationConverter struct{}

func (DurationConverter) ToString(v reflect.Value) (string, error) {
	d, ok := v.Interface().(time.Duration)
	if !ok {
		return "", fmt.Errorf("expected time.Duration, got %s", v.Type())
	}
	return d.String(), nil
}

func (DurationConverter) FromString(s string, t reflect.Type) (reflect.Value, error) {
	if t != durationType {
		return reflect.Value{}, fmt.Errorf("cannot convert duration into %s", t)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(d), nil
}

// PaddedIntConverter zero-pads non-negative integers to Width digits so that
// lexicographic range queries order them numerically.
type PaddedIntConverter struct {
	Width int
}

func (c PaddedIntConverter) ToString(v reflect.Value) (string, error) {
	var s string
	switch {
	case isInt(v.Kind()):
		if v.Int() < 0 {
			return "", fmt.Errorf("padded converter does not support negative value %d", v.Int())
		}
		s = strconv.FormatInt(v.Int(), 10)
	case isUint(v.Kind()):
		s = strconv.FormatUint(v.Uint(), 10)
	default:
		return "", fmt.Errorf("expected integer, got %s", v.Type())
	}
	if len(s) < c.Width {
		s = strings.Repeat("0", c.Width-len(s)) + s
	}
	return s, nil
}

func (c PaddedIntConverter) FromString(s string, t reflect.Type) (reflect.Value, error) {
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		trimmed = "0"
	}
	if isUint(t.Kind()) {
		return UintConverter{}.FromString(trimmed, t)
	}
	return IntConverter{}.FromString(trimmed, t)
}

func isInt(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUint(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}

// IsLeaf reports whether values of t are converted directly rather than walked
// as nested structures.
func IsLeaf(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == timeType || t == durationType {
		return true
	}
	switch t.Kind() {
	case reflect.String, reflect.Bool, reflect.Float32, reflect.Float64:
		return true
	}
	return isInt(t.Kind()) || isUint(t.Kind())
}
