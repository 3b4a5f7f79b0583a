// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package unwind

import (
	"fmt"
	"math"

	"go.uber.org/atomic"
)

const (
	// MaxBinarySearchDepth bounds the row lookup. 24 halvings cover
	// MaxTableEntries rows.
	MaxBinarySearchDepth = 24
	MaxTableEntries      = 1<<MaxBinarySearchDepth - 1
	// DefaultTableCapacity is the capacity used when none is configured.
	// Rows are only allocated for what a table actually holds.
	DefaultTableCapacity = MaxTableEntries
)

// Table is the fixed-capacity unwind table shared by all samplers of a
// process. It is replaced wholesale by Load while readers keep searching.
// Readers always search one consistent version of the rows.
type Table struct {
	capacity int

	rows atomic.Pointer[UnwindTable]
	size atomic.Uint32
}

// NewTable returns an empty table holding up to capacity rows. Capacities
// outside (0, MaxTableEntries] are clamped.
func NewTable(capacity int) *Table {
	if capacity <= 0 || capacity > MaxTableEntries {
		capacity = MaxTableEntries
	}
	t := &Table{capacity: capacity}
	t.rows.Store(&UnwindTable{})
	return t
}

func (t *Table) Capacity() int { return t.capacity }

// Len returns the currently published row count.
func (t *Table) Len() int { return int(t.size.Load()) }

// Load replaces the contents of the table. The rows must be strictly
// ascending by Loc and fit in the table's capacity. The table keeps its own
// copy of rows.
func (t *Table) Load(rows UnwindTable) error {
	if err := rows.Validate(t.capacity); err != nil {
		return fmt.Errorf("load unwind table: %w", err)
	}

	cp := make(UnwindTable, len(rows))
	copy(cp, rows)

	t.size.Store(0)
	t.rows.Store(&cp)
	t.size.Store(uint32(len(cp)))
	return nil
}

// Reset empties the table.
func (t *Table) Reset() {
	t.size.Store(0)
	t.rows.Store(&UnwindTable{})
}

// Snapshot returns a copy of the rows currently published.
func (t *Table) Snapshot() UnwindTable {
	rows := *t.rows.Load()
	out := make(UnwindTable, len(rows))
	copy(out, rows)
	return out
}

// FindRow returns the index of the row with the greatest Loc not above pc.
func (t *Table) FindRow(pc uint64) (int, bool) {
	rows := *t.rows.Load()
	idx, _ := search(rows, len(rows), pc)
	return idx, idx >= 0
}

// Lookup returns the row covering pc.
func (t *Table) Lookup(pc uint64) (UnwindRow, bool) {
	rows := *t.rows.Load()
	idx, _ := search(rows, len(rows), pc)
	if idx < 0 {
		return UnwindRow{}, false
	}
	return rows[idx], true
}

func locAt(rows UnwindTable, i int) uint64 {
	if i < 0 || i >= len(rows) {
		return math.MaxUint64
	}
	return rows[i].Loc
}

// search is a floor binary search over the first n rows. Slots past the end
// of rows compare as the highest address. It returns -1 when no row starts at
// or below pc, along with the number of iterations taken.
func search(rows UnwindTable, n int, pc uint64) (int, int) {
	left, right := 0, n-1
	found := -1

	i := 0
	for ; i < MaxBinarySearchDepth; i++ {
		if left > right {
			break
		}
		mid := left + (right-left)/2
		if locAt(rows, mid) <= pc {
			found = mid
			left = mid + 1
		} else {
			right = mid - 1
		}
	}
	return found, i
}
