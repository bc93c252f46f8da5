// Package mapper binds domain structs to SQLite tables and implements the
// collaborator contracts the unitwork scheduler consumes: table mappers
// with batched saves and deletes, relationship processors for foreign-key
// propagation and association tables, and tracked to-many collections.
//
// Column access goes through explicit accessor functions rather than
// reflection, so each mapper is a plain capability table over its records.
package mapper

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentic-research/ebb/internal/unitwork"
)

// Record is the minimal contract a persistable struct implements: naming
// the table its rows live in. Everything else is column metadata on the
// mapper.
type Record interface {
	Table() string
}

// Column describes one mapped column. Get reads the current value; Set is
// only required for columns written back by the machinery (primary keys,
// foreign keys). With NullZero set, an int64 zero is stored as SQL NULL.
type Column struct {
	Name     string
	Type     string
	NullZero bool
	Ref      string // optional REFERENCES clause target, e.g. "customers(id)"
	Get      func(rec Record) any
	Set      func(rec Record, v any)
}

func (c Column) arg(rec Record) any {
	v := c.Get(rec)
	if c.NullZero {
		if n, ok := v.(int64); ok && n == 0 {
			return nil
		}
	}
	return v
}

// TableMapper maps one record type onto one table of one engine. Rows
// with a zero primary key are inserted (and receive the generated key);
// the rest are updated.
type TableMapper struct {
	table     string
	engine    *Engine
	pk        Column
	cols      []Column
	relations []Relation
	log       *slog.Logger
}

// Relation is a relationship bound to a mapper: the scheduler-facing
// strategy plus the per-flush registration hook.
type Relation interface {
	unitwork.Relation
	Register(fc *unitwork.FlushContext)
}

// deleteCascader is implemented by relations that propagate deletion to
// dependent records.
type deleteCascader interface {
	cascadeDelete(s *unitwork.Session, obj unitwork.Entity) error
}

// NewTableMapper builds a mapper for table on engine. pk must be an
// integer primary key column with both accessors.
func NewTableMapper(engine *Engine, table string, pk Column, cols ...Column) *TableMapper {
	return &TableMapper{
		table:  table,
		engine: engine,
		pk:     pk,
		cols:   cols,
		log:    slog.Default(),
	}
}

// AddRelation attaches a relationship whose dependencies this mapper
// reports each flush.
func (m *TableMapper) AddRelation(r Relation) {
	m.relations = append(m.relations, r)
}

// Name implements unitwork.Mapper.
func (m *TableMapper) Name() string { return m.table }

// Engine implements unitwork.Mapper.
func (m *TableMapper) Engine() unitwork.Engine { return m.engine }

// PrimaryKey implements unitwork.Mapper.
func (m *TableMapper) PrimaryKey(obj unitwork.Entity) (any, bool) {
	rec, ok := obj.(Record)
	if !ok {
		return nil, false
	}
	id := m.pkValue(rec)
	return id, id != 0
}

// RegisterDependencies implements unitwork.Mapper.
func (m *TableMapper) RegisterDependencies(fc *unitwork.FlushContext) {
	for _, r := range m.relations {
		r.Register(fc)
	}
}

// CascadeDelete implements unitwork.Mapper.
func (m *TableMapper) CascadeDelete(s *unitwork.Session, obj unitwork.Entity) error {
	for _, r := range m.relations {
		if c, ok := r.(deleteCascader); ok {
			if err := c.cascadeDelete(s, obj); err != nil {
				return err
			}
		}
	}
	return nil
}

// Save implements unitwork.Mapper: one prepared INSERT and one prepared
// UPDATE per batch, executed row by row inside the flush transaction, with
// generated keys written back onto inserted records.
func (m *TableMapper) Save(fc *unitwork.FlushContext, objs []unitwork.Entity) error {
	var inserts, updates []Record
	for _, o := range objs {
		rec, ok := o.(Record)
		if !ok {
			return fmt.Errorf("mapper %s: %T is not a Record", m.table, o)
		}
		if m.pkValue(rec) == 0 {
			inserts = append(inserts, rec)
		} else {
			updates = append(updates, rec)
		}
	}

	if len(inserts) > 0 {
		names := make([]string, len(m.cols))
		marks := make([]string, len(m.cols))
		for i, c := range m.cols {
			names[i] = c.Name
			marks[i] = "?"
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			m.table, strings.Join(names, ", "), strings.Join(marks, ", "))
		for _, rec := range inserts {
			args := make([]any, len(m.cols))
			for i, c := range m.cols {
				args[i] = c.arg(rec)
			}
			res, err := m.engine.Exec(query, args...)
			if err != nil {
				return fmt.Errorf("insert %s: %w", m.table, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert %s: generated key: %w", m.table, err)
			}
			m.pk.Set(rec, id)
		}
		m.log.Debug("batch insert", "table", m.table, "rows", len(inserts))
	}

	if len(updates) > 0 {
		sets := make([]string, len(m.cols))
		for i, c := range m.cols {
			sets[i] = c.Name + " = ?"
		}
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
			m.table, strings.Join(sets, ", "), m.pk.Name)
		for _, rec := range updates {
			args := make([]any, 0, len(m.cols)+1)
			for _, c := range m.cols {
				args = append(args, c.arg(rec))
			}
			args = append(args, m.pkValue(rec))
			if _, err := m.engine.Exec(query, args...); err != nil {
				return fmt.Errorf("update %s: %w", m.table, err)
			}
		}
		m.log.Debug("batch update", "table", m.table, "rows", len(updates))
	}
	return nil
}

// Delete implements unitwork.Mapper with a single IN-list statement.
func (m *TableMapper) Delete(fc *unitwork.FlushContext, objs []unitwork.Entity) error {
	marks := make([]string, 0, len(objs))
	args := make([]any, 0, len(objs))
	for _, o := range objs {
		rec, ok := o.(Record)
		if !ok {
			return fmt.Errorf("mapper %s: %T is not a Record", m.table, o)
		}
		marks = append(marks, "?")
		args = append(args, m.pkValue(rec))
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
		m.table, m.pk.Name, strings.Join(marks, ", "))
	if _, err := m.engine.Exec(query, args...); err != nil {
		return fmt.Errorf("delete %s: %w", m.table, err)
	}
	m.log.Debug("batch delete", "table", m.table, "rows", len(objs))
	return nil
}

// CreateSchema issues the mapper's CREATE TABLE IF NOT EXISTS.
func (m *TableMapper) CreateSchema() error {
	defs := []string{m.pk.Name + " INTEGER PRIMARY KEY AUTOINCREMENT"}
	for _, c := range m.cols {
		d := c.Name + " " + c.Type
		if c.Ref != "" {
			d += " REFERENCES " + c.Ref
		}
		defs = append(defs, d)
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", m.table, strings.Join(defs, ", "))
	if _, err := m.engine.Exec(query); err != nil {
		return fmt.Errorf("create table %s: %w", m.table, err)
	}
	return nil
}

func (m *TableMapper) pkValue(rec Record) int64 {
	v, _ := m.pk.Get(rec).(int64)
	return v
}

var _ unitwork.Mapper = (*TableMapper)(nil)

// Registry resolves records to their table mappers by table name.
type Registry struct {
	byTable map[string]*TableMapper
}

// NewRegistry indexes the given mappers.
func NewRegistry(mappers ...*TableMapper) *Registry {
	r := &Registry{byTable: make(map[string]*TableMapper, len(mappers))}
	for _, m := range mappers {
		r.byTable[m.table] = m
	}
	return r
}

// Resolve implements unitwork.Resolver.
func (r *Registry) Resolve(obj unitwork.Entity) (unitwork.Mapper, error) {
	rec, ok := obj.(Record)
	if !ok {
		return nil, fmt.Errorf("%w: %T does not implement Record", unitwork.ErrNoMapper, obj)
	}
	m, ok := r.byTable[rec.Table()]
	if !ok {
		return nil, fmt.Errorf("%w: no mapper registered for table %q", unitwork.ErrNoMapper, rec.Table())
	}
	return m, nil
}

// Mapper returns the mapper registered for a table, if any.
func (r *Registry) Mapper(table string) (*TableMapper, bool) {
	m, ok := r.byTable[table]
	return m, ok
}

var _ unitwork.Resolver = (*Registry)(nil)
