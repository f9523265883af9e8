package transform

import (
	"slices"
	"sort"
)

const nctIDColumn = "nct_id"

// Batch accumulates row-groups across records until the run engine drains it.
// It is owned by a single run and is not safe for concurrent use.
type Batch struct {
	groups  map[string]*RowGroup
	ids     map[string]struct{}
	records int
}

// NewBatch returns an empty Batch.
func NewBatch() *Batch {
	return &Batch{groups: map[string]*RowGroup{}, ids: map[string]struct{}{}}
}

// Add appends the row-groups produced for one record. A record whose NCT ID
// is already in the batch replaces the earlier one in every table, so a
// study reaches the merge at most once per batch and the last version wins.
func (b *Batch) Add(groups []RowGroup) {
	if id, ok := recordID(groups); ok {
		if _, dup := b.ids[id]; dup {
			b.evict(id)
		}
		b.ids[id] = struct{}{}
	}
	for _, g := range groups {
		if len(g.Rows) == 0 {
			continue
		}
		acc, ok := b.groups[g.Table]
		if !ok {
			acc = &RowGroup{Table: g.Table, Columns: g.Columns}
			b.groups[g.Table] = acc
		}
		acc.Rows = append(acc.Rows, g.Rows...)
	}
	b.records++
}

// Records returns how many records were added since the last drain.
func (b *Batch) Records() int { return b.records }

// Empty reports whether nothing has been added since the last drain.
func (b *Batch) Empty() bool { return b.records == 0 }

// Drain returns the accumulated row-groups in load order and resets the batch.
// Tables outside TableOrder follow in name order.
func (b *Batch) Drain() []RowGroup {
	out := make([]RowGroup, 0, len(b.groups))
	seen := make(map[string]bool, len(TableOrder))
	for _, table := range TableOrder {
		seen[table] = true
		if g, ok := b.groups[table]; ok {
			out = append(out, *g)
		}
	}
	var extra []string
	for table := range b.groups {
		if !seen[table] {
			extra = append(extra, table)
		}
	}
	sort.Strings(extra)
	for _, table := range extra {
		out = append(out, *b.groups[table])
	}

	b.groups = map[string]*RowGroup{}
	b.ids = map[string]struct{}{}
	b.records = 0
	return out
}

// recordID returns the NCT ID carried by one record's row-groups.
func recordID(groups []RowGroup) (string, bool) {
	for _, g := range groups {
		col := slices.Index(g.Columns, nctIDColumn)
		if col < 0 || len(g.Rows) == 0 {
			continue
		}
		id, ok := g.Rows[0][col].(string)
		return id, ok && id != ""
	}
	return "", false
}

// evict drops every accumulated row belonging to id.
func (b *Batch) evict(id string) {
	for table, g := range b.groups {
		col := slices.Index(g.Columns, nctIDColumn)
		if col < 0 {
			continue
		}
		g.Rows = slices.DeleteFunc(g.Rows, func(row []any) bool {
			v, _ := row[col].(string)
			return v == id
		})
		if len(g.Rows) == 0 {
			delete(b.groups, table)
		}
	}
}
