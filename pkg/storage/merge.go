package storage

import (
	"strings"
)

// QuoteFunc quotes one SQL identifier.
type QuoteFunc func(string) string

// QuoteIdentifier double-quotes name, doubling embedded quotes.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// MergePlan holds the statements ExecuteMerge runs for one table.
type MergePlan struct {
	// DeleteChildren removes final rows whose nct_id appears in staging.
	// Empty unless the table is a child table.
	DeleteChildren string
	// Insert copies staging into the final table. Empty when the table has
	// no columns besides the surrogate id.
	Insert string
}

// PlanMerge builds the merge for table given its catalog columns and key.
//
// Child tables replace every parent's children: delete by nct_id, then insert
// with DO NOTHING so duplicates inside one batch are dropped. Parent tables
// upsert and overwrite every non-key column. Without a key rows are appended.
func PlanMerge(quote QuoteFunc, table string, catalog, keys []string) MergePlan {
	staging := StagingTable(table)
	child := IsChildTable(keys)

	var plan MergePlan
	if child {
		plan.DeleteChildren = "DELETE FROM " + quote(table) +
			" WHERE " + quote(ParentKeyColumn) + " IN (SELECT DISTINCT " + quote(ParentKeyColumn) +
			" FROM " + quote(staging) + ")"
	}

	columns, update := MergeColumns(catalog, keys)
	if len(columns) == 0 {
		return plan
	}
	colList := joinQuoted(quote, columns)

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(quote(table))
	b.WriteString(" (")
	b.WriteString(colList)
	b.WriteString(") SELECT ")
	b.WriteString(colList)
	b.WriteString(" FROM ")
	b.WriteString(quote(staging))

	if len(keys) > 0 {
		// WHERE true disambiguates INSERT ... SELECT ... ON CONFLICT for SQLite.
		b.WriteString(" WHERE true ON CONFLICT (")
		b.WriteString(joinQuoted(quote, keys))
		b.WriteString(") ")
		if child || len(update) == 0 {
			b.WriteString("DO NOTHING")
		} else {
			b.WriteString("DO UPDATE SET ")
			for i, c := range update {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(quote(c))
				b.WriteString(" = EXCLUDED.")
				b.WriteString(quote(c))
			}
		}
	}
	plan.Insert = b.String()
	return plan
}

func joinQuoted(quote QuoteFunc, names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quote(n)
	}
	return strings.Join(quoted, ", ")
}
