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

package remotememory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ProcessVirtualMemory reads a process' memory with process_vm_readv(2).
type ProcessVirtualMemory struct {
	pid int
}

func (vm ProcessVirtualMemory) ReadAt(p []byte, off int64) (int, error) {
	wanted := len(p)
	if wanted == 0 {
		return 0, nil
	}
	localIov := []unix.Iovec{{Base: &p[0], Len: uint64(wanted)}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(off), Len: wanted}}
	n, err := unix.ProcessVMReadv(vm.pid, localIov, remoteIov, 0)
	if err != nil {
		return n, fmt.Errorf("failed to read PID %d at 0x%x: %w", vm.pid, off, err)
	}
	if n != wanted {
		return n, fmt.Errorf("failed to read PID %d at 0x%x: got only %d of %d", vm.pid, off, n, wanted)
	}
	return n, nil
}

// NewProcessVirtualMemory returns a RemoteMemory reading from pid.
func NewProcessVirtualMemory(pid int) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid: pid}}
}

// Snapshot copies size bytes starting at addr into a Window. A short read
// near the end of a mapping still yields a window with what could be read.
func Snapshot(pid int, addr uint64, size int) (*Window, error) {
	data := make([]byte, size)
	n, err := ProcessVirtualMemory{pid: pid}.ReadAt(data, int64(addr))
	if n == 0 && err != nil {
		return nil, err
	}
	return &Window{Base: addr, Data: data[:n]}, nil
}
