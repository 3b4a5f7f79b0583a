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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

var (
	ErrNoFDEsFound     = errors.New("no FDEs found")
	ErrSectionNotFound = errors.New("failed to find section")
	ErrTableTooLarge   = errors.New("unwind table exceeds capacity")
	ErrTableNotSorted  = errors.New("unwind table is not strictly sorted")
	ErrInvalidEncoding = errors.New("invalid unwind table encoding")
)

// UnwindRow describes how to unwind one frame for every address in
// [Loc, Loc of the next row).
type UnwindRow struct {
	Loc uint64
	CFA Instruction
	RA  Instruction
}

// IsEndMarker reports whether the row terminates the preceding function.
func (r UnwindRow) IsEndMarker() bool {
	return r.CFA.Op == OpUndefined && r.RA.Op == OpUndefined
}

func (r UnwindRow) sameRules(other UnwindRow) bool {
	return r.CFA == other.CFA && r.RA == other.RA
}

func (r UnwindRow) String() string {
	return fmt.Sprintf("Loc: %x CFA: %-10s RA: %s", r.Loc, r.CFA, r.RA)
}

// UnwindTable is a list of rows ordered by Loc.
type UnwindTable []UnwindRow

func (t UnwindTable) Len() int           { return len(t) }
func (t UnwindTable) Less(i, j int) bool { return t[i].Loc < t[j].Loc }
func (t UnwindTable) Swap(i, j int)      { t[i], t[j] = t[j], t[i] }

// Validate checks the table can be searched and fits in capacity rows.
func (t UnwindTable) Validate(capacity int) error {
	if len(t) > capacity {
		return fmt.Errorf("%w: %d rows, capacity %d", ErrTableTooLarge, len(t), capacity)
	}
	for i := 1; i < len(t); i++ {
		if t[i-1].Loc >= t[i].Loc {
			return fmt.Errorf("%w: row %d at %x follows %x", ErrTableNotSorted, i, t[i].Loc, t[i-1].Loc)
		}
	}
	return nil
}

// Normalize sorts the rows in place and drops rows that share an address
// with a previous row or repeat its rules. Real rows win over end markers
// when both start at the same address.
func (t UnwindTable) Normalize() UnwindTable {
	sort.SliceStable(t, func(i, j int) bool {
		if t[i].Loc != t[j].Loc {
			return t[i].Loc < t[j].Loc
		}
		return !t[i].IsEndMarker() && t[j].IsEndMarker()
	})

	res := t[:0]
	for i, row := range t {
		if len(res) > 0 {
			last := res[len(res)-1]
			if last.Loc == row.Loc || last.sameRules(row) {
				continue
			}
		}
		res = append(res, t[i])
	}
	return res
}

const (
	tableEncodingVersion = 1
	tableHeaderSize      = 4 + 1 + 4
	rowEncodedSize       = 8 + (1+8)*2
)

var tableMagic = [4]byte{'s', 'w', 'u', 't'}

// MarshalBinary encodes the table as a little endian header followed by
// fixed-size rows.
func (t UnwindTable) MarshalBinary() ([]byte, error) {
	buf := make(EfficientBuffer, 0, tableHeaderSize+len(t)*rowEncodedSize)
	w := buf.Slice(tableHeaderSize + len(t)*rowEncodedSize)

	copy(w, tableMagic[:])
	w = w[len(tableMagic):]
	w.PutUint8(tableEncodingVersion)
	w.PutUint32(uint32(len(t)))

	for _, row := range t {
		w.PutUint64(row.Loc)
		w.PutUint8(uint8(row.CFA.Op))
		w.PutInt64(row.CFA.Offset)
		w.PutUint8(uint8(row.RA.Op))
		w.PutInt64(row.RA.Offset)
	}
	return buf, nil
}

// UnmarshalUnwindTable decodes a table written by MarshalBinary.
func UnmarshalUnwindTable(data []byte) (UnwindTable, error) {
	if len(data) < tableHeaderSize {
		return nil, fmt.Errorf("%w: short header", ErrInvalidEncoding)
	}
	if [4]byte(data[:4]) != tableMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidEncoding)
	}
	if v := data[4]; v != tableEncodingVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidEncoding, v)
	}
	n := int(binary.LittleEndian.Uint32(data[5:9]))
	data = data[tableHeaderSize:]
	if len(data) != n*rowEncodedSize {
		return nil, fmt.Errorf("%w: expected %d rows, got %d bytes", ErrInvalidEncoding, n, len(data))
	}

	table := make(UnwindTable, n)
	for i := range table {
		b := data[i*rowEncodedSize:]
		table[i] = UnwindRow{
			Loc: binary.LittleEndian.Uint64(b[0:8]),
			CFA: Instruction{Op: Op(b[8]), Offset: int64(binary.LittleEndian.Uint64(b[9:17]))},
			RA:  Instruction{Op: Op(b[17]), Offset: int64(binary.LittleEndian.Uint64(b[18:26]))},
		}
	}
	return table, nil
}

// WriteTo prints the rows in a human readable form.
func (t UnwindTable) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, row := range t {
		var (
			n   int
			err error
		)
		if row.IsEndMarker() {
			n, err = fmt.Fprintf(w, "\tLoc: %x end\n", row.Loc)
		} else {
			n, err = fmt.Fprintf(w, "\t%s\n", row)
		}
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
