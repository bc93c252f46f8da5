package cmd

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/agentic-research/ebb/internal/config"
	"github.com/agentic-research/ebb/internal/mapper"
	"github.com/agentic-research/ebb/internal/unitwork"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/pretty"
	"github.com/spf13/cobra"
)

var selectPath string

func init() {
	demoCmd.Flags().StringVar(&selectPath, "select", "", "JSONPath filter applied to the final row dump")
}

// Demo domain: customers own orders, orders own lines (cascade), and
// employees reference their manager in the same table.

type demoCustomer struct {
	ID     int64
	Name   string
	Orders *mapper.List
}

func (*demoCustomer) Table() string { return "customers" }

type demoOrder struct {
	ID         int64
	CustomerID int64
	Item       string
	Lines      *mapper.List
}

func (*demoOrder) Table() string { return "orders" }

type demoLine struct {
	ID      int64
	OrderID int64
	SKU     string
}

func (*demoLine) Table() string { return "order_lines" }

type demoEmployee struct {
	ID        int64
	Name      string
	ManagerID int64
	Manager   *demoEmployee
}

func (*demoEmployee) Table() string { return "employees" }

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted flush sequence and dump the resulting rows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ":memory:"
		trace := traceFlush
		if configPath != "" {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			path = cfg.Databases[0].Path
			trace = trace || cfg.Trace
		}

		engine, err := mapper.OpenEngine("main", path)
		if err != nil {
			return err
		}
		defer engine.Close()

		customers, orders, lines, employees, err := demoSchema(engine)
		if err != nil {
			return err
		}
		reg := mapper.NewRegistry(customers, orders, lines, employees)
		sess := unitwork.NewSession(reg)
		if trace {
			sess.Trace = os.Stdout
		}
		fmt.Printf("session %s on %s\n", sess.ID(), path)

		c := &demoCustomer{Name: "acme"}
		c.Orders = mapper.NewList(c)
		widget := &demoOrder{Item: "widget"}
		widget.Lines = mapper.NewList(widget)
		gadget := &demoOrder{Item: "gadget"}
		gadget.Lines = mapper.NewList(gadget)
		c.Orders.Add(widget)
		c.Orders.Add(gadget)
		l1 := &demoLine{SKU: "sku-1"}
		l2 := &demoLine{SKU: "sku-2"}
		widget.Lines.Add(l1)
		widget.Lines.Add(l2)

		// Dependents first on purpose; the scheduler reorders.
		for _, obj := range []unitwork.Entity{l1, l2, widget, gadget, c} {
			if err := sess.RegisterNew(obj); err != nil {
				return err
			}
		}
		if err := sess.Flush(); err != nil {
			return err
		}
		fmt.Println("flushed customer, orders and lines")

		c.Name = "acme ltd"
		if err := sess.RegisterDirty(c); err != nil {
			return err
		}
		if err := sess.Flush(); err != nil {
			return err
		}
		fmt.Println("flushed rename")

		// Cascades to the widget's lines; they go first.
		if err := sess.RegisterDeleted(widget); err != nil {
			return err
		}
		if err := sess.Flush(); err != nil {
			return err
		}
		fmt.Println("flushed cascading delete")

		// Self-referential chain registered in reverse.
		boss := &demoEmployee{Name: "boss"}
		lead := &demoEmployee{Name: "lead", Manager: boss}
		dev := &demoEmployee{Name: "dev", Manager: lead}
		for _, obj := range []unitwork.Entity{dev, lead, boss} {
			if err := sess.RegisterNew(obj); err != nil {
				return err
			}
		}
		if err := sess.Flush(); err != nil {
			return err
		}
		fmt.Println("flushed employee chain")

		dump := map[string]any{}
		for _, table := range []string{"customers", "orders", "order_lines", "employees"} {
			rows, err := tableRows(engine.DB(), table)
			if err != nil {
				return err
			}
			dump[table] = rows
		}

		var out any = dump
		if selectPath != "" {
			x, err := jp.ParseString(selectPath)
			if err != nil {
				return fmt.Errorf("invalid jsonpath %q: %w", selectPath, err)
			}
			out = x.Get(dump)
		}
		fmt.Println(pretty.JSON(out))
		return nil
	},
}

func demoSchema(engine *mapper.Engine) (customers, orders, lines, employees *mapper.TableMapper, err error) {
	id := func(get func(mapper.Record) int64, set func(mapper.Record, int64)) mapper.Column {
		return mapper.Column{
			Name: "id", Type: "INTEGER", NullZero: true,
			Get: func(r mapper.Record) any { return get(r) },
			Set: func(r mapper.Record, v any) { n, _ := v.(int64); set(r, n) },
		}
	}

	customers = mapper.NewTableMapper(engine, "customers",
		id(func(r mapper.Record) int64 { return r.(*demoCustomer).ID },
			func(r mapper.Record, v int64) { r.(*demoCustomer).ID = v }),
		mapper.Column{Name: "name", Type: "TEXT",
			Get: func(r mapper.Record) any { return r.(*demoCustomer).Name }},
	)
	orderCustomerID := mapper.Column{
		Name: "customer_id", Type: "INTEGER", NullZero: true, Ref: "customers(id)",
		Get: func(r mapper.Record) any { return r.(*demoOrder).CustomerID },
		Set: func(r mapper.Record, v any) { n, _ := v.(int64); r.(*demoOrder).CustomerID = n },
	}
	orders = mapper.NewTableMapper(engine, "orders",
		id(func(r mapper.Record) int64 { return r.(*demoOrder).ID },
			func(r mapper.Record, v int64) { r.(*demoOrder).ID = v }),
		orderCustomerID,
		mapper.Column{Name: "item", Type: "TEXT",
			Get: func(r mapper.Record) any { return r.(*demoOrder).Item }},
	)
	lineOrderID := mapper.Column{
		Name: "order_id", Type: "INTEGER", NullZero: true, Ref: "orders(id)",
		Get: func(r mapper.Record) any { return r.(*demoLine).OrderID },
		Set: func(r mapper.Record, v any) { n, _ := v.(int64); r.(*demoLine).OrderID = n },
	}
	lines = mapper.NewTableMapper(engine, "order_lines",
		id(func(r mapper.Record) int64 { return r.(*demoLine).ID },
			func(r mapper.Record, v int64) { r.(*demoLine).ID = v }),
		lineOrderID,
		mapper.Column{Name: "sku", Type: "TEXT",
			Get: func(r mapper.Record) any { return r.(*demoLine).SKU }},
	)
	empManagerID := mapper.Column{
		Name: "manager_id", Type: "INTEGER", NullZero: true, Ref: "employees(id)",
		Get: func(r mapper.Record) any { return r.(*demoEmployee).ManagerID },
		Set: func(r mapper.Record, v any) { n, _ := v.(int64); r.(*demoEmployee).ManagerID = n },
	}
	employees = mapper.NewTableMapper(engine, "employees",
		id(func(r mapper.Record) int64 { return r.(*demoEmployee).ID },
			func(r mapper.Record, v int64) { r.(*demoEmployee).ID = v }),
		empManagerID,
		mapper.Column{Name: "name", Type: "TEXT",
			Get: func(r mapper.Record) any { return r.(*demoEmployee).Name }},
	)

	customers.AddRelation(&mapper.OneToMany{
		Parent:     customers,
		Child:      orders,
		ForeignKey: orderCustomerID,
		Collection: func(p mapper.Record) *mapper.List { return p.(*demoCustomer).Orders },
	})
	orders.AddRelation(&mapper.OneToMany{
		Parent:     orders,
		Child:      lines,
		ForeignKey: lineOrderID,
		Collection: func(p mapper.Record) *mapper.List { return p.(*demoOrder).Lines },
		Cascade:    true,
	})
	employees.AddRelation(&mapper.ManyToOne{
		Child:      employees,
		Parent:     employees,
		ForeignKey: empManagerID,
		Ref: func(c mapper.Record) mapper.Record {
			if m := c.(*demoEmployee).Manager; m != nil {
				return m
			}
			return nil
		},
	})

	for _, m := range []*mapper.TableMapper{customers, orders, lines, employees} {
		if err = m.CreateSchema(); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	return customers, orders, lines, employees, nil
}

func tableRows(db *sql.DB, table string) ([]map[string]any, error) {
	rows, err := db.Query("SELECT * FROM " + table + " ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
