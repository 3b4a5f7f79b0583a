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

import "encoding/binary"

// EfficientBuffer writes fixed-size little endian values without going
// through encoding/binary's reflection based Write.
type EfficientBuffer []byte

// Slice returns a sub-slice of size bytes starting at the current end of the
// buffer and extends the buffer's length to cover it. Writes through the
// returned slice land in the buffer.
//
// Callers must ensure there is enough capacity left for size.
func (eb *EfficientBuffer) Slice(size int) EfficientBuffer {
	newSize := len(*eb) + size
	sub := (*eb)[len(*eb):newSize]
	*eb = (*eb)[:newSize]
	return sub
}

func (eb *EfficientBuffer) PutUint64(v uint64) {
	binary.LittleEndian.PutUint64((*eb)[:8], v)
	*eb = (*eb)[8:]
}

func (eb *EfficientBuffer) PutInt64(v int64) {
	eb.PutUint64(uint64(v))
}

func (eb *EfficientBuffer) PutUint32(v uint32) {
	binary.LittleEndian.PutUint32((*eb)[:4], v)
	*eb = (*eb)[4:]
}

func (eb *EfficientBuffer) PutUint8(v uint8) {
	(*eb)[0] = v
	*eb = (*eb)[1:]
}
