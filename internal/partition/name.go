// Package partition is the Partition Catalog: the authoritative view of,
// and mutator for, the set of physical partitions backing the position
// history table. It follows the usual range-partition maintenance
// pattern for Postgres-native partitioning via pgx, generalized from
// daily to monthly partitions and from a fixed retention sweep to the
// full create/drop/optimize/compress lifecycle.
package partition

import (
	"fmt"
	"regexp"
)

var nameRe = regexp.MustCompile(`^p_\d{6}$`)

// Name derives the p_YYYYMM partition name for a given year/month.
func Name(year, month int) string {
	return fmt.Sprintf("p_%04d%02d", year, month)
}

// ValidName reports whether name matches the strict p_YYYYMM form.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// PartitionKey returns year*100+month, the lexicographically-ordered
// integer form of the partition's calendar month.
func PartitionKey(year, month int) int {
	return year*100 + month
}

// nextMonth returns the (year, month) that follows the given one.
func nextMonth(year, month int) (int, int) {
	if month == 12 {
		return year + 1, 1
	}
	return year, month + 1
}
