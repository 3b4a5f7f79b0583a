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

// MaxStackDepth is the most frames a single walk records.
const MaxStackDepth = 127

// StackTrace holds return addresses, innermost first. Unused slots are zero.
type StackTrace [MaxStackDepth]uint64

// Frames returns the recorded prefix of the trace.
func (st *StackTrace) Frames() []uint64 {
	for i, addr := range st {
		if addr == 0 {
			return st[:i]
		}
	}
	return st[:]
}

// StopReason tells why a walk ended.
type StopReason uint8

const (
	// StopBottom means the return address was zero or undefined.
	StopBottom StopReason = iota
	// StopNoRow means no row covers the current address.
	StopNoRow
	// StopCFAUndefined means the frame base could not be computed.
	StopCFAUndefined
	// StopMaxDepth means the trace filled up.
	StopMaxDepth
)

func (r StopReason) String() string {
	switch r {
	case StopBottom:
		return "bottom"
	case StopNoRow:
		return "no_row"
	case StopCFAUndefined:
		return "cfa_undefined"
	case StopMaxDepth:
		return "max_depth"
	default:
		return "unknown"
	}
}

// Walker reconstructs stacks from a Table. It holds no per-walk state and is
// safe for concurrent use.
type Walker struct {
	table *Table
}

func NewWalker(table *Table) *Walker {
	return &Walker{table: table}
}

// Walk unwinds from regs and writes return addresses into st, returning the
// number of frames written. Frames already recorded are kept when the walk
// stops early. st is zeroed first.
func (w *Walker) Walk(regs Registers, mem MemoryReader, st *StackTrace) (int, StopReason) {
	*st = StackTrace{}

	ip, sp := regs.IP, regs.SP
	for depth := 0; depth < MaxStackDepth; depth++ {
		if ip == 0 {
			return depth, StopBottom
		}
		st[depth] = ip

		row, ok := w.table.Lookup(ip)
		if !ok {
			return depth + 1, StopNoRow
		}

		cfa, ok := Execute(row.CFA, FrameState{IP: ip, SP: sp}, mem)
		if !ok {
			return depth + 1, StopCFAUndefined
		}

		ra, ok := Execute(row.RA, FrameState{IP: ip, SP: sp, CFA: cfa}, mem)
		if !ok {
			ra = 0
		}

		ip, sp = ra, cfa
	}
	if ip == 0 {
		return MaxStackDepth, StopBottom
	}
	return MaxStackDepth, StopMaxDepth
}
