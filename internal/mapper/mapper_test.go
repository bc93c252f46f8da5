package mapper

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/agentic-research/ebb/internal/unitwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Customer struct {
	ID     int64
	Name   string
	Orders *List
	Tags   *List
}

func (*Customer) Table() string { return "customers" }

func newCustomer(name string) *Customer {
	c := &Customer{Name: name}
	c.Orders = NewList(c)
	c.Tags = NewList(c)
	return c
}

type Order struct {
	ID         int64
	CustomerID int64
	Item       string
	Lines      *List
}

func (*Order) Table() string { return "orders" }

func newOrder(item string) *Order {
	o := &Order{Item: item}
	o.Lines = NewList(o)
	return o
}

type OrderLine struct {
	ID      int64
	OrderID int64
	SKU     string
}

func (*OrderLine) Table() string { return "order_lines" }

type Employee struct {
	ID        int64
	Name      string
	ManagerID int64
	Manager   *Employee
}

func (*Employee) Table() string { return "employees" }

type Tag struct {
	ID   int64
	Name string
}

func (*Tag) Table() string { return "tags" }

type fixture struct {
	engine    *Engine
	customers *TableMapper
	orders    *TableMapper
	lines     *TableMapper
	employees *TableMapper
	tags      *TableMapper
	custTags  *ManyToMany
	sess      *unitwork.Session
}

func int64Col(name string, get func(Record) int64, set func(Record, int64), ref string) Column {
	return Column{
		Name:     name,
		Type:     "INTEGER",
		NullZero: true,
		Ref:      ref,
		Get:      func(rec Record) any { return get(rec) },
		Set: func(rec Record, v any) {
			n, _ := v.(int64)
			set(rec, n)
		},
	}
}

func textCol(name string, get func(Record) string) Column {
	return Column{
		Name: name,
		Type: "TEXT",
		Get:  func(rec Record) any { return get(rec) },
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	engine, err := OpenEngine("main", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	f := &fixture{engine: engine}

	f.customers = NewTableMapper(engine, "customers",
		int64Col("id",
			func(r Record) int64 { return r.(*Customer).ID },
			func(r Record, v int64) { r.(*Customer).ID = v }, ""),
		textCol("name", func(r Record) string { return r.(*Customer).Name }),
	)
	orderCustomerID := int64Col("customer_id",
		func(r Record) int64 { return r.(*Order).CustomerID },
		func(r Record, v int64) { r.(*Order).CustomerID = v }, "customers(id)")
	f.orders = NewTableMapper(engine, "orders",
		int64Col("id",
			func(r Record) int64 { return r.(*Order).ID },
			func(r Record, v int64) { r.(*Order).ID = v }, ""),
		orderCustomerID,
		textCol("item", func(r Record) string { return r.(*Order).Item }),
	)
	lineOrderID := int64Col("order_id",
		func(r Record) int64 { return r.(*OrderLine).OrderID },
		func(r Record, v int64) { r.(*OrderLine).OrderID = v }, "orders(id)")
	f.lines = NewTableMapper(engine, "order_lines",
		int64Col("id",
			func(r Record) int64 { return r.(*OrderLine).ID },
			func(r Record, v int64) { r.(*OrderLine).ID = v }, ""),
		lineOrderID,
		textCol("sku", func(r Record) string { return r.(*OrderLine).SKU }),
	)
	empManagerID := int64Col("manager_id",
		func(r Record) int64 { return r.(*Employee).ManagerID },
		func(r Record, v int64) { r.(*Employee).ManagerID = v }, "employees(id)")
	f.employees = NewTableMapper(engine, "employees",
		int64Col("id",
			func(r Record) int64 { return r.(*Employee).ID },
			func(r Record, v int64) { r.(*Employee).ID = v }, ""),
		empManagerID,
		textCol("name", func(r Record) string { return r.(*Employee).Name }),
	)
	f.tags = NewTableMapper(engine, "tags",
		int64Col("id",
			func(r Record) int64 { return r.(*Tag).ID },
			func(r Record, v int64) { r.(*Tag).ID = v }, ""),
		textCol("name", func(r Record) string { return r.(*Tag).Name }),
	)

	f.customers.AddRelation(&OneToMany{
		Parent:     f.customers,
		Child:      f.orders,
		ForeignKey: orderCustomerID,
		Collection: func(p Record) *List { return p.(*Customer).Orders },
	})
	f.orders.AddRelation(&OneToMany{
		Parent:     f.orders,
		Child:      f.lines,
		ForeignKey: lineOrderID,
		Collection: func(p Record) *List { return p.(*Order).Lines },
		Cascade:    true,
	})
	f.employees.AddRelation(&ManyToOne{
		Child:      f.employees,
		Parent:     f.employees,
		ForeignKey: empManagerID,
		Ref: func(c Record) Record {
			if m := c.(*Employee).Manager; m != nil {
				return m
			}
			return nil
		},
	})
	f.custTags = &ManyToMany{
		Left:        f.customers,
		Right:       f.tags,
		Table:       "customer_tags",
		LeftColumn:  "customer_id",
		RightColumn: "tag_id",
		Collection:  func(l Record) *List { return l.(*Customer).Tags },
	}
	f.customers.AddRelation(f.custTags)

	for _, m := range []*TableMapper{f.customers, f.orders, f.lines, f.employees, f.tags} {
		require.NoError(t, m.CreateSchema())
	}
	require.NoError(t, f.custTags.CreateSchema())

	reg := NewRegistry(f.customers, f.orders, f.lines, f.employees, f.tags)
	f.sess = unitwork.NewSession(reg)
	return f
}

func (f *fixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, f.engine.DB().QueryRow(query, args...).Scan(&n))
	return n
}

func TestFlush_NewCustomerOrder_KeyPropagation(t *testing.T) {
	f := newFixture(t)

	c := newCustomer("acme")
	o := newOrder("widget")
	c.Orders.Add(o)

	// Order registered before its customer; the scheduler must reorder.
	require.NoError(t, f.sess.RegisterNew(o))
	require.NoError(t, f.sess.RegisterNew(c))
	require.NoError(t, f.sess.Flush())

	require.NotZero(t, c.ID)
	require.NotZero(t, o.ID)
	assert.Equal(t, c.ID, o.CustomerID)

	var got int64
	require.NoError(t, f.engine.DB().
		QueryRow("SELECT customer_id FROM orders WHERE id = ?", o.ID).Scan(&got))
	assert.Equal(t, c.ID, got)
}

func TestFlush_SelfReferentialEmployees(t *testing.T) {
	f := newFixture(t)

	e1 := &Employee{Name: "lead"}
	e2 := &Employee{Name: "report", Manager: e1}

	// Dependent registered first.
	require.NoError(t, f.sess.RegisterNew(e2))
	require.NoError(t, f.sess.RegisterNew(e1))
	require.NoError(t, f.sess.Flush())

	var got int64
	require.NoError(t, f.engine.DB().
		QueryRow("SELECT manager_id FROM employees WHERE id = ?", e2.ID).Scan(&got))
	assert.Equal(t, e1.ID, got)
}

func TestFlush_SelfReferentialChainOfThree(t *testing.T) {
	f := newFixture(t)

	root := &Employee{Name: "root"}
	child1 := &Employee{Name: "child1", Manager: root}
	child2 := &Employee{Name: "child2", Manager: child1}

	require.NoError(t, f.sess.RegisterNew(child2))
	require.NoError(t, f.sess.RegisterNew(child1))
	require.NoError(t, f.sess.RegisterNew(root))
	require.NoError(t, f.sess.Flush())

	assert.Less(t, root.ID, child1.ID)
	assert.Less(t, child1.ID, child2.ID)
	var got int64
	require.NoError(t, f.engine.DB().
		QueryRow("SELECT manager_id FROM employees WHERE id = ?", child2.ID).Scan(&got))
	assert.Equal(t, child1.ID, got)
}

func TestFlush_SelfReferentialDeleteOrder(t *testing.T) {
	// Foreign keys are enforced, so deleting the manager while the report's
	// row still references it would fail the flush.
	for name, firstDeleted := range map[string]int{"manager first": 0, "report first": 1} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)

			mgr := &Employee{Name: "manager"}
			rep := &Employee{Name: "report", Manager: mgr}
			require.NoError(t, f.sess.RegisterNew(mgr))
			require.NoError(t, f.sess.RegisterNew(rep))
			require.NoError(t, f.sess.Flush())

			order := [][]*Employee{{mgr, rep}, {rep, mgr}}[firstDeleted]
			require.NoError(t, f.sess.RegisterDeleted(order[0]))
			require.NoError(t, f.sess.RegisterDeleted(order[1]))
			require.NoError(t, f.sess.Flush())

			assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM employees"))
		})
	}
}

func TestFlush_NonCascadeDeleteNullsChildKeys(t *testing.T) {
	f := newFixture(t)

	c := newCustomer("acme")
	o := newOrder("widget")
	c.Orders.Add(o)
	require.NoError(t, f.sess.RegisterNew(c))
	require.NoError(t, f.sess.RegisterNew(o))
	require.NoError(t, f.sess.Flush())

	// The order is neither deleted nor registered dirty; its key must be
	// nulled in the row before the customer's delete.
	require.NoError(t, f.sess.RegisterDeleted(c))
	require.NoError(t, f.sess.Flush())

	assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM customers"))
	var got sql.NullInt64
	require.NoError(t, f.engine.DB().
		QueryRow("SELECT customer_id FROM orders WHERE id = ?", o.ID).Scan(&got))
	assert.False(t, got.Valid)
	assert.Zero(t, o.CustomerID)
}

func TestFlush_CascadeDeleteLinesBeforeOrder(t *testing.T) {
	f := newFixture(t)

	o := newOrder("widget")
	l1 := &OrderLine{SKU: "sku-1"}
	l2 := &OrderLine{SKU: "sku-2"}
	o.Lines.Add(l1)
	o.Lines.Add(l2)

	require.NoError(t, f.sess.RegisterNew(o))
	require.NoError(t, f.sess.RegisterNew(l1))
	require.NoError(t, f.sess.RegisterNew(l2))
	require.NoError(t, f.sess.Flush())
	require.Equal(t, 2, f.count(t, "SELECT COUNT(*) FROM order_lines"))

	// Foreign keys are enforced: deleting the order before its lines
	// would fail, so success proves the computed order.
	require.NoError(t, f.sess.RegisterDeleted(o))
	require.NoError(t, f.sess.Flush())

	assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM order_lines"))
	assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM orders"))
}

func TestFlush_StatementFailureRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.DB().Exec("CREATE UNIQUE INDEX customers_name ON customers(name)")
	require.NoError(t, err)

	a := newCustomer("dup")
	b := newCustomer("dup")
	require.NoError(t, f.sess.RegisterNew(a))
	require.NoError(t, f.sess.RegisterNew(b))
	require.Error(t, f.sess.Flush())

	assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM customers"))
	assert.True(t, f.sess.IsNew(a))
	assert.True(t, f.sess.IsNew(b))

	// Repair and retry: the same objects are reprocessed.
	b.Name = "other"
	require.NoError(t, f.sess.Flush())
	assert.Equal(t, 2, f.count(t, "SELECT COUNT(*) FROM customers"))
}

func TestFlush_DirtyUpdateWritesRow(t *testing.T) {
	f := newFixture(t)

	c := newCustomer("acme")
	require.NoError(t, f.sess.RegisterNew(c))
	require.NoError(t, f.sess.Flush())

	c.Name = "acme ltd"
	require.NoError(t, f.sess.RegisterDirty(c))
	require.NoError(t, f.sess.Flush())

	var got string
	require.NoError(t, f.engine.DB().
		QueryRow("SELECT name FROM customers WHERE id = ?", c.ID).Scan(&got))
	assert.Equal(t, "acme ltd", got)
}

func TestFlush_ManyToManyAssociationRows(t *testing.T) {
	f := newFixture(t)

	c := newCustomer("acme")
	t1 := &Tag{Name: "vip"}
	t2 := &Tag{Name: "eu"}
	c.Tags.Add(t1)
	c.Tags.Add(t2)

	require.NoError(t, f.sess.RegisterNew(c))
	require.NoError(t, f.sess.RegisterNew(t1))
	require.NoError(t, f.sess.RegisterNew(t2))
	require.NoError(t, f.sess.Flush())
	require.Equal(t, 2, f.count(t, "SELECT COUNT(*) FROM customer_tags WHERE customer_id = ?", c.ID))

	// Pure collection change: no row of either side is touched, only the
	// association table.
	c.Tags.Remove(t1)
	f.sess.RegisterCollection(c.Tags)
	require.NoError(t, f.sess.Flush())

	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM customer_tags WHERE customer_id = ?", c.ID))
	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM customer_tags WHERE tag_id = ?", t2.ID))
}

func TestFlush_ManyToManyClearedOnDelete(t *testing.T) {
	f := newFixture(t)

	c := newCustomer("acme")
	tag := &Tag{Name: "vip"}
	c.Tags.Add(tag)
	require.NoError(t, f.sess.RegisterNew(c))
	require.NoError(t, f.sess.RegisterNew(tag))
	require.NoError(t, f.sess.Flush())

	require.NoError(t, f.sess.RegisterDeleted(c))
	require.NoError(t, f.sess.Flush())

	assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM customer_tags"))
	assert.Equal(t, 0, f.count(t, "SELECT COUNT(*) FROM customers"))
	assert.Equal(t, 1, f.count(t, "SELECT COUNT(*) FROM tags"))
}

func TestList_ChangeTracking(t *testing.T) {
	c := newCustomer("acme")
	o1 := newOrder("one")
	o2 := newOrder("two")

	c.Orders.Add(o1)
	c.Orders.Add(o2)
	assert.Len(t, c.Orders.Added(), 2)
	assert.True(t, c.Orders.HasChanges())

	// Removing a just-added record cancels the addition.
	c.Orders.Remove(o2)
	assert.Len(t, c.Orders.Added(), 1)
	assert.Empty(t, c.Orders.Removed())

	c.Orders.ClearChanges()
	assert.False(t, c.Orders.HasChanges())

	// Post-flush removal is a real removal.
	c.Orders.Remove(o1)
	assert.Len(t, c.Orders.Removed(), 1)

	// Re-adding cancels it again.
	c.Orders.Add(o1)
	assert.Empty(t, c.Orders.Removed())
	assert.False(t, c.Orders.HasChanges())
}

func TestRegistry_ResolveErrors(t *testing.T) {
	f := newFixture(t)
	reg := NewRegistry(f.customers)

	_, err := reg.Resolve(42)
	require.ErrorIs(t, err, unitwork.ErrNoMapper)

	_, err = reg.Resolve(&Tag{})
	require.ErrorIs(t, err, unitwork.ErrNoMapper)

	m, err := reg.Resolve(newCustomer("x"))
	require.NoError(t, err)
	assert.Equal(t, "customers", m.Name())
}
