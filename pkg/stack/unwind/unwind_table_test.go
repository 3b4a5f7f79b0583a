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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnwindTableEncoding(t *testing.T) {
	table := UnwindTable{
		{Loc: 0x401020, CFA: Instruction{Op: OpSPOffset, Offset: 8}, RA: Instruction{Op: OpCFAOffset, Offset: -8}},
		{Loc: 0x401024, CFA: Instruction{Op: OpSPOffset, Offset: 16}, RA: Instruction{Op: OpCFAOffset, Offset: -8}},
		{Loc: 0x401040},
	}

	data, err := table.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, tableHeaderSize+len(table)*rowEncodedSize)

	got, err := UnmarshalUnwindTable(data)
	require.NoError(t, err)
	require.Equal(t, table, got)
}

func TestUnmarshalUnwindTableRejectsGarbage(t *testing.T) {
	_, err := UnmarshalUnwindTable([]byte("sw"))
	require.ErrorIs(t, err, ErrInvalidEncoding)

	_, err = UnmarshalUnwindTable([]byte("nope\x01\x00\x00\x00\x00"))
	require.ErrorIs(t, err, ErrInvalidEncoding)

	data, err := UnwindTable{{Loc: 1}}.MarshalBinary()
	require.NoError(t, err)

	_, err = UnmarshalUnwindTable(data[:len(data)-1])
	require.ErrorIs(t, err, ErrInvalidEncoding)

	data[4] = 9
	_, err = UnmarshalUnwindTable(data)
	require.ErrorIs(t, err, ErrInvalidEncoding)
}

func TestNormalize(t *testing.T) {
	sp8 := Instruction{Op: OpSPOffset, Offset: 8}
	sp16 := Instruction{Op: OpSPOffset, Offset: 16}
	ra := Instruction{Op: OpCFAOffset, Offset: -8}

	table := UnwindTable{
		{Loc: 0x30, CFA: sp8, RA: ra},
		{Loc: 0x20},
		{Loc: 0x10, CFA: sp8, RA: ra},
		{Loc: 0x14, CFA: sp16, RA: ra},
		// Same rules as the previous row.
		{Loc: 0x18, CFA: sp16, RA: ra},
		// A function starting where the previous one ends wins over the end
		// marker.
		{Loc: 0x30},
		{Loc: 0x40},
	}

	require.Equal(t, UnwindTable{
		{Loc: 0x10, CFA: sp8, RA: ra},
		{Loc: 0x14, CFA: sp16, RA: ra},
		{Loc: 0x20},
		{Loc: 0x30, CFA: sp8, RA: ra},
		{Loc: 0x40},
	}, table.Normalize())
}

func TestUnwindTableWriteTo(t *testing.T) {
	table := UnwindTable{
		{Loc: 0x10, CFA: Instruction{Op: OpSPOffset, Offset: 8}, RA: Instruction{Op: OpCFAOffset, Offset: -8}},
		{Loc: 0x20},
	}

	var buf bytes.Buffer
	n, err := table.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)
	require.Contains(t, buf.String(), "c-8")
	require.Contains(t, buf.String(), "Loc: 20 end")
}
