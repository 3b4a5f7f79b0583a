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
//

package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanProgram(t *testing.T) {
	tests := []struct {
		name        string
		program     []byte
		codeAlign   uint64
		wantProgram []byte
		wantLocs    []uint64
		wantErr     bool
	}{
		{
			name:        "empty",
			codeAlign:   1,
			wantProgram: []byte{},
			wantLocs:    []uint64{0x100},
		},
		{
			name: "advances",
			program: []byte{
				0x41,       // DW_CFA_advance_loc 1
				0x0e, 0x10, // DW_CFA_def_cfa_offset 16
				0x02, 0x03, // DW_CFA_advance_loc1 3
				0x03, 0x00, 0x00, // DW_CFA_advance_loc2 0
				0x86, 0x02, // DW_CFA_offset r6
				0x04, 0x10, 0x00, 0x00, 0x00, // DW_CFA_advance_loc4 16
			},
			codeAlign: 1,
			wantProgram: []byte{
				0x41, 0x0e, 0x10, 0x02, 0x03, 0x03, 0x00, 0x00, 0x86, 0x02, 0x04, 0x10, 0x00, 0x00, 0x00,
			},
			wantLocs: []uint64{0x100, 0x101, 0x104, 0x114},
		},
		{
			name: "code alignment",
			program: []byte{
				0x42, // DW_CFA_advance_loc 2
			},
			codeAlign:   4,
			wantProgram: []byte{0x42},
			wantLocs:    []uint64{0x100, 0x108},
		},
		{
			name: "args size is dropped",
			program: []byte{
				0x2e, 0x10, // DW_CFA_GNU_args_size 16
				0x41,             // DW_CFA_advance_loc 1
				0x2e, 0x80, 0x01, // DW_CFA_GNU_args_size 128
				0x0a, // DW_CFA_remember_state
			},
			codeAlign:   1,
			wantProgram: []byte{0x41, 0x0a},
			wantLocs:    []uint64{0x100, 0x101},
		},
		{
			name: "expressions are skipped",
			program: []byte{
				0x0f, 0x02, 0x77, 0x08, // DW_CFA_def_cfa_expression
				0x10, 0x06, 0x01, 0x00, // DW_CFA_expression r6
				0x41, // DW_CFA_advance_loc 1
			},
			codeAlign:   1,
			wantProgram: []byte{0x0f, 0x02, 0x77, 0x08, 0x10, 0x06, 0x01, 0x00, 0x41},
			wantLocs:    []uint64{0x100, 0x101},
		},
		{
			name: "locations past the end",
			program: []byte{
				0x02, 0xff, // DW_CFA_advance_loc1 255
			},
			codeAlign:   1,
			wantProgram: []byte{0x02, 0xff},
			wantLocs:    []uint64{0x100},
		},
		{
			name:      "set loc",
			program:   []byte{0x01, 0, 0, 0, 0, 0, 0, 0, 0},
			codeAlign: 1,
			wantErr:   true,
		},
		{
			name:      "unknown opcode",
			program:   []byte{0x2f, 0x10, 0x01},
			codeAlign: 1,
			wantErr:   true,
		},
		{
			name:      "truncated advance",
			program:   []byte{0x04, 0x10},
			codeAlign: 1,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			program, locs, err := scanProgram(tt.program, 0x100, 0x180, tt.codeAlign, binary.LittleEndian)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantProgram, program)
			require.Equal(t, tt.wantLocs, locs)
		})
	}
}
