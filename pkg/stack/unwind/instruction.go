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

import "fmt"

type Op uint8

const (
	// OpUndefined means the value can't be recovered at this location.
	OpUndefined Op = iota
	// OpCFAOffset loads the value stored in memory at CFA+offset.
	OpCFAOffset
	// OpIPOffset computes the instruction pointer plus offset.
	OpIPOffset
	// OpSPOffset computes the stack pointer plus offset.
	OpSPOffset
)

func (op Op) String() string {
	switch op {
	case OpUndefined:
		return "undefined"
	case OpCFAOffset:
		return "cfa+off"
	case OpIPOffset:
		return "rip+off"
	case OpSPOffset:
		return "rsp+off"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(op))
	}
}

// Instruction is a single recovery rule, an opcode and its operand.
type Instruction struct {
	Op     Op
	Offset int64
}

func (i Instruction) String() string {
	switch i.Op {
	case OpCFAOffset:
		return fmt.Sprintf("c%+d", i.Offset)
	case OpIPOffset:
		return fmt.Sprintf("$rip%+d", i.Offset)
	case OpSPOffset:
		return fmt.Sprintf("$rsp%+d", i.Offset)
	default:
		return "u"
	}
}

// Registers is the register snapshot taken at the sampled instruction.
type Registers struct {
	IP uint64
	SP uint64
	BP uint64
}

// FrameState is what a rule may read while unwinding one frame.
type FrameState struct {
	IP  uint64
	SP  uint64
	CFA uint64
}

// MemoryReader reads the memory of the sampled task. Implementations must
// not block and must report partial reads as errors.
type MemoryReader interface {
	Uint64(addr uint64) (uint64, error)
}

// Execute evaluates a single instruction. The second return value is false
// when the result is undefined, either by rule or because memory could not be
// read. Address arithmetic wraps modulo 2^64.
func Execute(ins Instruction, state FrameState, mem MemoryReader) (uint64, bool) {
	switch ins.Op {
	case OpCFAOffset:
		if mem == nil {
			return 0, false
		}
		v, err := mem.Uint64(state.CFA + uint64(ins.Offset))
		if err != nil {
			return 0, false
		}
		return v, true
	case OpIPOffset:
		return state.IP + uint64(ins.Offset), true
	case OpSPOffset:
		return state.SP + uint64(ins.Offset), true
	default:
		return 0, false
	}
}
