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
	"encoding/binary"
	"errors"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-delve/delve/pkg/dwarf/leb128"
)

// GNU extension recording the size of the outgoing arguments, only used by
// exception handling. The frame interpreter doesn't know about it.
const dwCFAGNUArgsSize = 0x2e

var errUnsteppableProgram = errors.New("unwind program can't be stepped")

// steppedFDE is an FDE whose program was scanned up front, so rows only need
// to be established where the location advances.
type steppedFDE struct {
	*frame.FrameDescriptionEntry
	locs []uint64
}

func (s steppedFDE) Locations() []uint64 { return s.locs }

// everyAddress is used for FDEs whose program couldn't be scanned. The rules
// are then established at every address of the function.
type everyAddress struct {
	*frame.FrameDescriptionEntry
}

func (everyAddress) Locations() []uint64 { return nil }

// newFrameDescription scans the program of fde. Instructions the frame
// interpreter would reject but that don't change the CFA or the return
// address rules are removed from it.
func newFrameDescription(fde *frame.FrameDescriptionEntry, order binary.ByteOrder) frameDescription {
	program, locs, err := scanProgram(fde.Instructions, fde.Begin(), fde.End(), fde.CIE.CodeAlignmentFactor, order)
	if err != nil {
		return everyAddress{fde}
	}
	fde.Instructions = program
	return steppedFDE{FrameDescriptionEntry: fde, locs: locs}
}

// scanProgram walks a call frame program without interpreting it. It
// returns the program without DW_CFA_GNU_args_size and the sorted, unique
// addresses in [begin, end) where a new row starts.
func scanProgram(instructions []byte, begin, end, codeAlign uint64, order binary.ByteOrder) ([]byte, []uint64, error) {
	var (
		buf     = bytes.NewBuffer(instructions)
		program = make([]byte, 0, len(instructions))
		loc     = begin
		locs    = []uint64{begin}
	)

	advance := func(delta uint64) {
		loc += delta * codeAlign
		if loc < end && loc != locs[len(locs)-1] {
			locs = append(locs, loc)
		}
	}

	for buf.Len() > 0 {
		start := len(instructions) - buf.Len()
		op, _ := buf.ReadByte()

		switch op & 0xc0 {
		case frame.DW_CFA_advance_loc:
			advance(uint64(op & 0x3f))
			program = append(program, op)
			continue
		case frame.DW_CFA_offset:
			leb128.DecodeUnsigned(buf)
			program = append(program, instructions[start:len(instructions)-buf.Len()]...)
			continue
		case frame.DW_CFA_restore:
			program = append(program, op)
			continue
		}

		switch op {
		case frame.DW_CFA_nop, frame.DW_CFA_remember_state, frame.DW_CFA_restore_state:
		case frame.DW_CFA_advance_loc1:
			b, err := buf.ReadByte()
			if err != nil {
				return nil, nil, errUnsteppableProgram
			}
			advance(uint64(b))
		case frame.DW_CFA_advance_loc2:
			b := buf.Next(2)
			if len(b) != 2 {
				return nil, nil, errUnsteppableProgram
			}
			advance(uint64(order.Uint16(b)))
		case frame.DW_CFA_advance_loc4:
			b := buf.Next(4)
			if len(b) != 4 {
				return nil, nil, errUnsteppableProgram
			}
			advance(uint64(order.Uint32(b)))
		case frame.DW_CFA_restore_extended, frame.DW_CFA_undefined, frame.DW_CFA_same_value,
			frame.DW_CFA_def_cfa_register, frame.DW_CFA_def_cfa_offset:
			leb128.DecodeUnsigned(buf)
		case frame.DW_CFA_offset_extended, frame.DW_CFA_register, frame.DW_CFA_def_cfa, frame.DW_CFA_val_offset:
			leb128.DecodeUnsigned(buf)
			leb128.DecodeUnsigned(buf)
		case frame.DW_CFA_offset_extended_sf, frame.DW_CFA_def_cfa_sf, frame.DW_CFA_val_offset_sf:
			leb128.DecodeUnsigned(buf)
			leb128.DecodeSigned(buf)
		case frame.DW_CFA_def_cfa_offset_sf:
			leb128.DecodeSigned(buf)
		case frame.DW_CFA_def_cfa_expression:
			l, _ := leb128.DecodeUnsigned(buf)
			buf.Next(int(l))
		case frame.DW_CFA_expression, frame.DW_CFA_val_expression:
			leb128.DecodeUnsigned(buf)
			l, _ := leb128.DecodeUnsigned(buf)
			buf.Next(int(l))
		case frame.DW_CFA_lo_user, frame.DW_CFA_hi_user:
			buf.Next(1)
		case dwCFAGNUArgsSize:
			leb128.DecodeUnsigned(buf)
			continue
		default:
			// DW_CFA_set_loc depends on the section base and anything else
			// is rejected by the interpreter.
			return nil, nil, errUnsteppableProgram
		}
		program = append(program, instructions[start:len(instructions)-buf.Len()]...)
	}
	return program, locs, nil
}
