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

// Package remotememory reads the memory of other processes.
package remotememory

import (
	"errors"
	"fmt"
	"io"

	"github.com/parca-dev/stackwalk/byteorder"
)

var ErrOutOfWindow = errors.New("address outside of memory window")

// RemoteMemory adds fixed-size host byte order reads on top of an io.ReaderAt.
type RemoteMemory struct {
	io.ReaderAt
}

// Uint64 reads a 64-bit unsigned integer at addr.
func (rm RemoteMemory) Uint64(addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := rm.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return byteorder.Uint64(buf[:]), nil
}

// Window is a copy of a contiguous range of a process' memory, usually the
// top of a thread's stack captured while the thread was stopped. Reads don't
// touch the process and never block.
type Window struct {
	Base uint64
	Data []byte
}

func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	if addr < w.Base || addr-w.Base >= uint64(len(w.Data)) {
		return 0, fmt.Errorf("%w: 0x%x", ErrOutOfWindow, addr)
	}
	n := copy(p, w.Data[addr-w.Base:])
	if n < len(p) {
		return n, fmt.Errorf("%w: 0x%x got only %d of %d", ErrOutOfWindow, addr, n, len(p))
	}
	return n, nil
}

// Uint64 reads 8 bytes at addr without allocating.
func (w *Window) Uint64(addr uint64) (uint64, error) {
	if addr < w.Base || addr-w.Base > uint64(len(w.Data)) || uint64(len(w.Data))-(addr-w.Base) < 8 {
		return 0, ErrOutOfWindow
	}
	off := addr - w.Base
	return byteorder.Uint64(w.Data[off : off+8]), nil
}
