// Package schemacat ships the static warehouse catalogue the constraint
// applier consults. It records which tables carry a region column so that
// row-level predicates can be injected without a live catalog lookup.
package schemacat

import "github.com/datawarden/datawarden/internal/models"

// regionTables maps dotted table names to the name of their region column.
var regionTables = map[string]string{
	"reporting.customers":  "region",
	"reporting.daily_kpis": "region",
}

// RegionColumn returns the region column for a table, if it has one.
func RegionColumn(ref models.TableRef) (string, bool) {
	col, ok := regionTables[ref.String()]
	return col, ok
}

// HasRegionTable reports whether any of the referenced tables carries a
// region column.
func HasRegionTable(refs []models.TableRef) bool {
	for _, r := range refs {
		if _, ok := RegionColumn(r); ok {
			return true
		}
	}
	return false
}
