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

// WalkFramePointers follows the saved frame pointer chain starting at
// regs.BP. Each frame stores the caller's frame pointer at [bp] and the
// return address at [bp+8]. The walk stops at a zero frame pointer, on a read
// failure, or when the chain stops moving towards the stack base.
func WalkFramePointers(regs Registers, mem MemoryReader, st *StackTrace) int {
	*st = StackTrace{}

	ip, bp := regs.IP, regs.BP
	for depth := 0; depth < MaxStackDepth; depth++ {
		if ip == 0 {
			return depth
		}
		st[depth] = ip

		if bp == 0 || mem == nil {
			return depth + 1
		}
		next, err := mem.Uint64(bp)
		if err != nil {
			return depth + 1
		}
		ra, err := mem.Uint64(bp + 8)
		if err != nil {
			return depth + 1
		}
		// Stacks grow down, callers live at higher addresses. The return
		// address is still good, but the chain can't be followed further.
		if next != 0 && next <= bp {
			next = 0
		}

		ip, bp = ra, next
	}
	return MaxStackDepth
}
