package orm

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/quiverdb/quiver/engine/core"
)

const defaultIDColumn = "id"

// Mapping describes how an entity struct type is persisted: its table, its
// columns (derived from `db` struct tags, snake_case of the field name when
// untagged) and its primary-key column.
type Mapping struct {
	typ      reflect.Type
	table    string
	idColumn string
	columns  []string
	fields   map[string][]int
	source   string
}

type MappingOption func(*Mapping)

// WithID overrides the primary-key column (default "id").
func WithID(column string) MappingOption {
	return func(m *Mapping) { m.idColumn = column }
}

// WithSource overrides the mapping source key. By default the source is the
// package path of the entity type; every source may be contributed to at
// most one configuration.
func WithSource(source string) MappingOption {
	return func(m *Mapping) { m.source = source }
}

// MapEntity builds the mapping for entity type T stored in the given table.
// Embedded structs are flattened, matching scany's scanning behavior.
func MapEntity[T any](table string, opts ...MappingOption) *Mapping {
	var zero T
	t := reflect.TypeOf(zero)
	if t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("orm: MapEntity requires a struct type, got %s", t))
	}
	m := &Mapping{
		typ:      t,
		table:    table,
		idColumn: defaultIDColumn,
		fields:   make(map[string][]int),
		source:   t.PkgPath(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.collectColumns(t, nil)
	if _, ok := m.fields[m.idColumn]; !ok {
		panic(fmt.Sprintf("orm: entity %s has no field mapped to id column %q", t, m.idColumn))
	}
	return m
}

func (m *Mapping) collectColumns(t reflect.Type, path []int) {
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		idx := append(append([]int(nil), path...), i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			m.collectColumns(f.Type, idx)
			continue
		}
		col := f.Tag.Get("db")
		if col == "-" {
			continue
		}
		if col == "" {
			col = toSnakeCase(f.Name)
		}
		if _, dup := m.fields[col]; dup {
			continue
		}
		m.columns = append(m.columns, col)
		m.fields[col] = idx
	}
}

// Type returns the mapped struct type.
func (m *Mapping) Type() reflect.Type { return m.typ }

// Table returns the backing table name.
func (m *Mapping) Table() string { return m.table }

// IDColumn returns the primary-key column.
func (m *Mapping) IDColumn() string { return m.idColumn }

// Columns returns all mapped columns in declaration order.
func (m *Mapping) Columns() []string {
	return append([]string(nil), m.columns...)
}

// Source returns the mapping source key.
func (m *Mapping) Source() string { return m.source }

// EntityName returns a short name for error messages.
func (m *Mapping) EntityName() string { return m.typ.Name() }

// ID extracts the primary-key value from an entity instance.
func (m *Mapping) ID(entity any) (any, error) {
	v, err := m.entityValue(entity)
	if err != nil {
		return nil, err
	}
	return v.FieldByIndex(m.fields[m.idColumn]).Interface(), nil
}

// SetID assigns the primary-key field of an entity. The entity must be a
// pointer and the value assignable to the field type.
func (m *Mapping) SetID(entity, id any) error {
	rv := reflect.ValueOf(entity)
	if rv.Kind() != reflect.Ptr || rv.Elem().Type() != m.typ {
		return fmt.Errorf("orm: SetID requires *%s, got %T", m.typ, entity)
	}
	field := rv.Elem().FieldByIndex(m.fields[m.idColumn])
	val := reflect.ValueOf(id)
	if !val.Type().AssignableTo(field.Type()) {
		if !val.Type().ConvertibleTo(field.Type()) {
			return fmt.Errorf("orm: cannot assign %T to id field of %s", id, m.typ)
		}
		val = val.Convert(field.Type())
	}
	field.Set(val)
	return nil
}

// HasZeroID reports whether the entity's primary key is the zero value.
func (m *Mapping) HasZeroID(entity any) (bool, error) {
	v, err := m.entityValue(entity)
	if err != nil {
		return false, err
	}
	return v.FieldByIndex(m.fields[m.idColumn]).IsZero(), nil
}

// Value extracts a single column value from an entity instance.
func (m *Mapping) Value(entity any, column string) (any, error) {
	idx, ok := m.fields[column]
	if !ok {
		return nil, fmt.Errorf("orm: entity %s has no column %q", m.typ, column)
	}
	v, err := m.entityValue(entity)
	if err != nil {
		return nil, err
	}
	return v.FieldByIndex(idx).Interface(), nil
}

// Values extracts all column values in column order, for inserts.
func (m *Mapping) Values(entity any) ([]any, error) {
	v, err := m.entityValue(entity)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(m.columns))
	for _, col := range m.columns {
		out = append(out, v.FieldByIndex(m.fields[col]).Interface())
	}
	return out, nil
}

// NonIDAssignments returns column->value pairs excluding the primary key,
// for updates.
func (m *Mapping) NonIDAssignments(entity any) (map[string]any, error) {
	v, err := m.entityValue(entity)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(m.columns)-1)
	for _, col := range m.columns {
		if col == m.idColumn {
			continue
		}
		out[col] = v.FieldByIndex(m.fields[col]).Interface()
	}
	return out, nil
}

// CopyInto copies the fields of src (a value or pointer of the mapped type)
// into dst, which must be a pointer to the mapped type. Used by engines for
// refresh semantics.
func (m *Mapping) CopyInto(dst, src any) error {
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.Elem().Type() != m.typ {
		return fmt.Errorf("orm: CopyInto requires *%s destination, got %T", m.typ, dst)
	}
	sv, err := m.entityValue(src)
	if err != nil {
		return err
	}
	dv.Elem().Set(sv)
	return nil
}

func (m *Mapping) entityValue(entity any) (reflect.Value, error) {
	v := reflect.ValueOf(entity)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}, fmt.Errorf("orm: nil entity for %s", m.typ)
		}
		v = v.Elem()
	}
	if v.Type() != m.typ {
		return reflect.Value{}, fmt.Errorf("orm: entity type %s does not match mapping for %s", v.Type(), m.typ)
	}
	return v, nil
}

// EnsureID assigns a generated identifier to string-keyed entities whose
// primary key is unset. The entity must be a pointer for the assignment to
// stick; zero non-string keys are rejected since the engines do not read
// back store-generated keys.
func EnsureID(m *Mapping, entity any) error {
	zero, err := m.HasZeroID(entity)
	if err != nil {
		return err
	}
	if !zero {
		return nil
	}
	id, err := m.ID(entity)
	if err != nil {
		return err
	}
	if reflect.TypeOf(id).Kind() != reflect.String {
		return fmt.Errorf("orm: inserting %s with a zero primary key", m.EntityName())
	}
	if reflect.ValueOf(entity).Kind() != reflect.Ptr {
		return fmt.Errorf("orm: inserting %s by value with a zero primary key; pass a pointer", m.EntityName())
	}
	return m.SetID(entity, core.MustNewID().String())
}

// toSnakeCase matches scany's default column naming: UserID -> user_id,
// HTTPCode -> http_code.
func toSnakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i > 0 && i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || nextLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
