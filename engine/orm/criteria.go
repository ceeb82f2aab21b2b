package orm

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
)

// Op is a criteria comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGe
	OpLt
	OpLe
	OpLike
	OpIn
)

// Cond is a single column condition.
type Cond struct {
	Column string
	Op     Op
	Value  any
}

func Eq(column string, v any) Cond   { return Cond{Column: column, Op: OpEq, Value: v} }
func Ne(column string, v any) Cond   { return Cond{Column: column, Op: OpNe, Value: v} }
func Gt(column string, v any) Cond   { return Cond{Column: column, Op: OpGt, Value: v} }
func Ge(column string, v any) Cond   { return Cond{Column: column, Op: OpGe, Value: v} }
func Lt(column string, v any) Cond   { return Cond{Column: column, Op: OpLt, Value: v} }
func Le(column string, v any) Cond   { return Cond{Column: column, Op: OpLe, Value: v} }
func Like(column, pattern string) Cond {
	return Cond{Column: column, Op: OpLike, Value: pattern}
}
func In(column string, vs ...any) Cond { return Cond{Column: column, Op: OpIn, Value: vs} }

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// Criteria is the portable query shape passed through sessions: a
// conjunction of conditions plus ordering and slicing. SQL engines render it
// with squirrel; the memory engine evaluates it reflectively.
type Criteria struct {
	conds  []Cond
	orders []Order
	limit  *uint64
	offset *uint64
}

// NewCriteria builds a criteria from the given conditions.
func NewCriteria(conds ...Cond) *Criteria {
	return &Criteria{conds: conds}
}

// Clone returns an independent copy. The builder methods mutate in place, so
// callers layering extra constraints onto a shared criteria clone first.
func (c *Criteria) Clone() *Criteria {
	if c == nil {
		return NewCriteria()
	}
	out := &Criteria{
		conds:  append([]Cond(nil), c.conds...),
		orders: append([]Order(nil), c.orders...),
	}
	if c.limit != nil {
		n := *c.limit
		out.limit = &n
	}
	if c.offset != nil {
		n := *c.offset
		out.offset = &n
	}
	return out
}

// Where appends conditions.
func (c *Criteria) Where(conds ...Cond) *Criteria {
	c.conds = append(c.conds, conds...)
	return c
}

// OrderBy appends an ascending order term.
func (c *Criteria) OrderBy(column string) *Criteria {
	c.orders = append(c.orders, Order{Column: column})
	return c
}

// OrderByDesc appends a descending order term.
func (c *Criteria) OrderByDesc(column string) *Criteria {
	c.orders = append(c.orders, Order{Column: column, Desc: true})
	return c
}

// Limit caps the number of rows returned.
func (c *Criteria) Limit(n uint64) *Criteria {
	c.limit = &n
	return c
}

// Offset skips the first n rows.
func (c *Criteria) Offset(n uint64) *Criteria {
	c.offset = &n
	return c
}

// Conds returns the conditions. Safe on a nil criteria.
func (c *Criteria) Conds() []Cond {
	if c == nil {
		return nil
	}
	return c.conds
}

// Slicing returns the limit and offset, either of which may be absent.
func (c *Criteria) Slicing() (limit, offset *uint64) {
	if c == nil {
		return nil, nil
	}
	return c.limit, c.offset
}

// OrderClauses renders ORDER BY terms for SQL engines.
func (c *Criteria) OrderClauses() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.orders))
	for _, o := range c.orders {
		clause := o.Column
		if o.Desc {
			clause += " DESC"
		}
		out = append(out, clause)
	}
	return out
}

// Sqlizer renders the conditions as a squirrel predicate, or nil when the
// criteria is empty.
func (c *Criteria) Sqlizer() (squirrel.Sqlizer, error) {
	if c == nil || len(c.conds) == 0 {
		return nil, nil
	}
	and := make(squirrel.And, 0, len(c.conds))
	for _, cond := range c.conds {
		sq, err := cond.sqlizer()
		if err != nil {
			return nil, err
		}
		and = append(and, sq)
	}
	return and, nil
}

func (cond Cond) sqlizer() (squirrel.Sqlizer, error) {
	switch cond.Op {
	case OpEq:
		return squirrel.Eq{cond.Column: cond.Value}, nil
	case OpNe:
		return squirrel.NotEq{cond.Column: cond.Value}, nil
	case OpGt:
		return squirrel.Gt{cond.Column: cond.Value}, nil
	case OpGe:
		return squirrel.GtOrEq{cond.Column: cond.Value}, nil
	case OpLt:
		return squirrel.Lt{cond.Column: cond.Value}, nil
	case OpLe:
		return squirrel.LtOrEq{cond.Column: cond.Value}, nil
	case OpLike:
		return squirrel.Like{cond.Column: cond.Value}, nil
	case OpIn:
		return squirrel.Eq{cond.Column: cond.Value}, nil
	default:
		return nil, fmt.Errorf("orm: unsupported operator %d on column %q", cond.Op, cond.Column)
	}
}

// Matches evaluates the conditions against an entity instance.
func (c *Criteria) Matches(m *Mapping, entity any) (bool, error) {
	if c == nil {
		return true, nil
	}
	for _, cond := range c.conds {
		got, err := m.Value(entity, cond.Column)
		if err != nil {
			return false, err
		}
		ok, err := cond.matches(got)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (cond Cond) matches(got any) (bool, error) {
	switch cond.Op {
	case OpEq:
		return looseEqual(got, cond.Value), nil
	case OpNe:
		return !looseEqual(got, cond.Value), nil
	case OpGt, OpGe, OpLt, OpLe:
		cmp, err := compareValues(got, cond.Value)
		if err != nil {
			return false, fmt.Errorf("comparing column %q: %w", cond.Column, err)
		}
		switch cond.Op {
		case OpGt:
			return cmp > 0, nil
		case OpGe:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpLike:
		pattern, ok := cond.Value.(string)
		if !ok {
			return false, fmt.Errorf("like pattern on column %q must be a string", cond.Column)
		}
		s, ok := got.(string)
		if !ok {
			return false, fmt.Errorf("like on non-string column %q", cond.Column)
		}
		return likeMatch(pattern, s), nil
	case OpIn:
		vs, ok := cond.Value.([]any)
		if !ok {
			return false, fmt.Errorf("in condition on column %q requires a value list", cond.Column)
		}
		for _, v := range vs {
			if looseEqual(got, v) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("orm: unsupported operator %d on column %q", cond.Op, cond.Column)
	}
}

// Apply filters, orders and slices a snapshot of entities for the memory
// engine. Entities must all be instances of the mapped type.
func (c *Criteria) Apply(m *Mapping, entities []any) ([]any, error) {
	out := make([]any, 0, len(entities))
	for _, e := range entities {
		ok, err := c.Matches(m, e)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	if c == nil {
		return out, nil
	}
	if len(c.orders) > 0 {
		var sortErr error
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range c.orders {
				a, err := m.Value(out[i], o.Column)
				if err != nil {
					sortErr = err
					return false
				}
				b, err := m.Value(out[j], o.Column)
				if err != nil {
					sortErr = err
					return false
				}
				cmp, err := compareValues(a, b)
				if err != nil {
					sortErr = err
					return false
				}
				if cmp == 0 {
					continue
				}
				if o.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
		if sortErr != nil {
			return nil, sortErr
		}
	}
	if c.offset != nil {
		if int(*c.offset) >= len(out) {
			return nil, nil
		}
		out = out[*c.offset:]
	}
	if c.limit != nil && int(*c.limit) < len(out) {
		out = out[:*c.limit]
	}
	return out, nil
}

func looseEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	cmp, err := compareValues(a, b)
	return err == nil && cmp == 0
}

func compareValues(a, b any) (int, error) {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		if !ok {
			return 0, fmt.Errorf("cannot compare time.Time with %T", b)
		}
		return at.Compare(bt), nil
	}
	av := reflect.ValueOf(a)
	bv := reflect.ValueOf(b)
	switch {
	case av.Kind() == reflect.String && bv.Kind() == reflect.String:
		return strings.Compare(av.String(), bv.String()), nil
	case isNumeric(av) && isNumeric(bv):
		af, bf := toFloat(av), toFloat(bv)
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, fmt.Errorf("cannot compare %T with %T", a, b)
	}
}

func isNumeric(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

func toFloat(v reflect.Value) float64 {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint())
	default:
		return v.Float()
	}
}

func likeMatch(pattern, s string) bool {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
