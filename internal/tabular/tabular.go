// Package tabular implements the tabular adapter (C6): a row-indexed,
// schema-validated overlay over a committed CSV file, used by workspace row
// edits (add_row/update_row/delete_row/restore_row/query/diff/materialize).
package tabular

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
)

const op = "tabular"

// IDColumn and StatusColumn are the internal columns index() adds and
// materialize() strips, per spec's _oxen_id/_oxen_status contract.
const (
	IDColumn     = "_oxen_id"
	StatusColumn = "_oxen_status"
)

// RowStatus classifies a row relative to the indexed (committed) version.
type RowStatus int

const (
	Unchanged RowStatus = iota
	Added
	Modified
	Removed
)

func (s RowStatus) String() string {
	switch s {
	case Added:
		return "Added"
	case Modified:
		return "Modified"
	case Removed:
		return "Removed"
	default:
		return "Unchanged"
	}
}

// Row is one indexed or edited row.
type Row struct {
	ID     string
	Status RowStatus
	Values map[string]string // field name -> string value, per schema field order
}

func (r Row) clone() Row {
	v := make(map[string]string, len(r.Values))
	for k, val := range r.Values {
		v[k] = val
	}
	return Row{ID: r.ID, Status: r.Status, Values: v}
}

// internalRow additionally tracks the original (indexed) values and content
// hash needed to detect Modified->Unchanged reversion and restore_row.
type internalRow struct {
	row      Row
	orig     map[string]string // nil for rows added after index (no original)
	origHash dvhash.Hash
	present  bool // set true for every row; DeleteRow marks indexed rows Removed and drops added rows
}

// Table is one tabular file's editable, row-indexed overlay.
type Table struct {
	mu     sync.RWMutex
	schema merkle.Schema
	rows   *linkedhashmap.Map // id -> *internalRow, insertion order
	nextID uint64
}

// Index parses content as CSV, inferring the schema from its header row if
// schema is the zero value, and assigns a stable _oxen_id to every row.
func Index(content []byte, schema merkle.Schema) (*Table, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, dvcserr.Wrap(op+".Index", dvcserr.IOError, err)
	}
	if len(records) == 0 {
		return nil, dvcserr.New(op+".Index", dvcserr.SchemaIncompatible).WithHint("empty tabular file has no header row")
	}

	header := records[0]
	if len(schema.Fields) == 0 {
		schema = inferSchema(schema.Name, header)
	} else if err := validateHeader(schema, header); err != nil {
		return nil, err
	}

	t := &Table{schema: schema, rows: linkedhashmap.New()}
	for _, rec := range records[1:] {
		values := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				values[col] = rec[i]
			}
		}
		id := t.allocID()
		ir := &internalRow{
			row:      Row{ID: id, Status: Unchanged, Values: values},
			orig:     values,
			origHash: hashValues(schema, values),
			present:  true,
		}
		t.rows.Put(id, ir)
	}
	return t, nil
}

// Schema returns the table's validated field schema.
func (t *Table) Schema() merkle.Schema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.schema
}

func (t *Table) allocID() string {
	t.nextID++
	return strconv.FormatUint(t.nextID, 10)
}

func inferSchema(name string, header []string) merkle.Schema {
	fields := make([]merkle.FieldSpec, len(header))
	for i, col := range header {
		fields[i] = merkle.FieldSpec{Name: col, DType: "string"}
	}
	return merkle.Schema{Name: name, Fields: fields}
}

func validateHeader(schema merkle.Schema, header []string) error {
	want := map[string]bool{}
	for _, f := range schema.Fields {
		want[f.Name] = true
	}
	for _, col := range header {
		if col == IDColumn || col == StatusColumn {
			continue
		}
		if !want[col] {
			return dvcserr.New(op+".validateHeader", dvcserr.SchemaIncompatible).WithHint("column " + col + " not present in schema")
		}
	}
	return nil
}

func validateRow(schema merkle.Schema, values map[string]string) error {
	for col := range values {
		found := false
		for _, f := range schema.Fields {
			if f.Name == col {
				found = true
				break
			}
		}
		if !found {
			return dvcserr.New(op+".validateRow", dvcserr.SchemaIncompatible).WithHint("unknown column " + col)
		}
	}
	for _, f := range schema.Fields {
		v, ok := values[f.Name]
		if !ok || v == "" {
			continue
		}
		if err := validateType(f, v); err != nil {
			return err
		}
	}
	return nil
}

func validateType(f merkle.FieldSpec, v string) error {
	switch f.DType {
	case "int":
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			return dvcserr.New(op+".validateType", dvcserr.SchemaIncompatible).WithHint(fmt.Sprintf("column %s expects int, got %q", f.Name, v))
		}
	case "float":
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return dvcserr.New(op+".validateType", dvcserr.SchemaIncompatible).WithHint(fmt.Sprintf("column %s expects float, got %q", f.Name, v))
		}
	case "bool":
		if _, err := strconv.ParseBool(v); err != nil {
			return dvcserr.New(op+".validateType", dvcserr.SchemaIncompatible).WithHint(fmt.Sprintf("column %s expects bool, got %q", f.Name, v))
		}
	}
	return nil
}

func hashValues(schema merkle.Schema, values map[string]string) dvhash.Hash {
	var parts [][]byte
	for _, f := range schema.Fields {
		parts = append(parts, []byte(f.Name+"="+values[f.Name]))
	}
	return dvhash.Combine(parts...)
}

// AddRow validates json-decoded row values against the schema and inserts a
// new row with a freshly allocated, never-reused id.
func (t *Table) AddRow(values map[string]string) (Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := validateRow(t.schema, values); err != nil {
		return Row{}, err
	}
	id := t.allocID()
	ir := &internalRow{row: Row{ID: id, Status: Added, Values: values}, present: true}
	t.rows.Put(id, ir)
	return ir.row.clone(), nil
}

// UpdateRow validates and applies values to an existing row, preserving its
// id. Status reverts to Unchanged if the new content hash matches the
// originally indexed hash.
func (t *Table) UpdateRow(id string, values map[string]string) (Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.rows.Get(id)
	if !ok {
		return Row{}, dvcserr.New(op+".UpdateRow", dvcserr.NotFound).WithHint("row " + id + " not indexed")
	}
	ir := v.(*internalRow)
	if !ir.present {
		return Row{}, dvcserr.New(op+".UpdateRow", dvcserr.NotFound).WithHint("row " + id + " was deleted")
	}
	if err := validateRow(t.schema, values); err != nil {
		return Row{}, err
	}
	ir.row.Values = values
	if ir.orig != nil && hashValues(t.schema, values) == ir.origHash {
		ir.row.Status = Unchanged
	} else if ir.orig != nil {
		ir.row.Status = Modified
	} else {
		ir.row.Status = Added
	}
	return ir.row.clone(), nil
}

// DeleteRow marks id Removed. Indexed rows are retained (so diff/restore can
// still see them); rows added and then deleted within the same workspace are
// dropped outright since they never existed in the committed version.
func (t *Table) DeleteRow(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.rows.Get(id)
	if !ok {
		return dvcserr.New(op+".DeleteRow", dvcserr.NotFound).WithHint("row " + id + " not indexed")
	}
	ir := v.(*internalRow)
	if ir.orig == nil {
		t.rows.Remove(id)
		return nil
	}
	ir.row.Status = Removed
	return nil
}

// RestoreRow reverts id to its originally indexed values and Unchanged
// status. It fails with NotFound for rows that did not exist at index time.
func (t *Table) RestoreRow(id string) (Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.rows.Get(id)
	if !ok {
		return Row{}, dvcserr.New(op+".RestoreRow", dvcserr.NotFound).WithHint("row " + id + " not indexed")
	}
	ir := v.(*internalRow)
	if ir.orig == nil {
		return Row{}, dvcserr.New(op+".RestoreRow", dvcserr.NotFound).WithHint("row " + id + " has no original version to restore")
	}
	ir.row.Values = ir.orig
	ir.row.Status = Unchanged
	ir.present = true
	return ir.row.clone(), nil
}

// QueryOptions paginates Query results.
type QueryOptions struct {
	Offset int
	Limit  int // 0 means unlimited
}

// Page is one paginated slice of rows with edit status.
type Page struct {
	Rows  []Row
	Total int
}

// Query returns a paginated view of every row, including its edit status.
func (t *Table) Query(opts QueryOptions) Page {
	t.mu.RLock()
	defer t.mu.RUnlock()
	all := t.allRows()
	page := Page{Total: len(all)}
	start := opts.Offset
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	page.Rows = all[start:end]
	return page
}

func (t *Table) allRows() []Row {
	out := make([]Row, 0, t.rows.Size())
	it := t.rows.Iterator()
	for it.Next() {
		ir := it.Value().(*internalRow)
		out = append(out, ir.row.clone())
	}
	return out
}

// Diff summarizes row-level changes against the indexed (committed) version.
type Diff struct {
	Added    []Row
	Removed  []Row
	Modified []Row
}

// Diff reports every row not in Unchanged status.
func (t *Table) Diff() Diff {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var d Diff
	it := t.rows.Iterator()
	for it.Next() {
		ir := it.Value().(*internalRow)
		switch ir.row.Status {
		case Added:
			d.Added = append(d.Added, ir.row.clone())
		case Removed:
			d.Removed = append(d.Removed, ir.row.clone())
		case Modified:
			d.Modified = append(d.Modified, ir.row.clone())
		}
	}
	return d
}

// Materialize renders the table back to CSV, in its original column order,
// with _oxen_id/_oxen_status stripped and Removed rows dropped, then hashes
// the result.
func (t *Table) Materialize() ([]byte, dvhash.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cols := make([]string, len(t.schema.Fields))
	for i, f := range t.schema.Fields {
		cols[i] = f.Name
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(cols); err != nil {
		return nil, dvhash.Zero, dvcserr.Wrap(op+".Materialize", dvcserr.IOError, err)
	}

	// Preserve insertion order for stability, but keep removed rows out.
	ids := make([]string, 0, t.rows.Size())
	it := t.rows.Iterator()
	for it.Next() {
		ids = append(ids, it.Key().(string))
	}
	sort.Slice(ids, func(i, j int) bool {
		return idLess(ids[i], ids[j])
	})
	for _, id := range ids {
		v, _ := t.rows.Get(id)
		ir := v.(*internalRow)
		if ir.row.Status == Removed {
			continue
		}
		rec := make([]string, len(cols))
		for i, c := range cols {
			rec[i] = ir.row.Values[c]
		}
		if err := w.Write(rec); err != nil {
			return nil, dvhash.Zero, dvcserr.Wrap(op+".Materialize", dvcserr.IOError, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, dvhash.Zero, dvcserr.Wrap(op+".Materialize", dvcserr.IOError, err)
	}
	out := buf.Bytes()
	return out, dvhash.Sum(out), nil
}

// idLess orders numeric row ids numerically rather than lexicographically.
func idLess(a, b string) bool {
	an, aerr := strconv.ParseUint(a, 10, 64)
	bn, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		return an < bn
	}
	return strings.Compare(a, b) < 0
}
