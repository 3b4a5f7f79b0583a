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
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/procfs"
)

// ExecutableMapping is an executable region of a process' address space.
type ExecutableMapping struct {
	// LoadAddr is the start of the first mapping of the same file, which is
	// where a position independent object was relocated to.
	LoadAddr  uint64
	StartAddr uint64
	EndAddr   uint64
	// Offset is the file offset StartAddr maps.
	Offset     uint64
	Executable string
	mainExec   bool
}

// IsMainObject returns whether this is the first executable mapping of the
// process, normally the program itself.
func (pm *ExecutableMapping) IsMainObject() bool {
	return pm.mainExec
}

// IsJitted returns whether the mapping has no backing file. We don't look at
// the writable bit as JITs may mprotect(2) their code r+x.
func (pm *ExecutableMapping) IsJitted() bool {
	return pm.Executable == ""
}

// IsJitDump returns whether the mapping looks like a perf jitdump file.
func (pm *ExecutableMapping) IsJitDump() bool {
	return strings.Contains(pm.Executable, "jit") && strings.HasSuffix(pm.Executable, ".dump")
}

// IsSpecial returns whether the mapping is a kernel provided region such as
// [vdso].
func (pm *ExecutableMapping) IsSpecial() bool {
	return len(pm.Executable) > 0 && pm.Executable[0] == '['
}

// HasUnwindInfo returns whether an object file with unwind sections may
// back this mapping.
func (pm *ExecutableMapping) HasUnwindInfo() bool {
	return !pm.IsJitted() && !pm.IsSpecial() && !pm.IsJitDump()
}

func (pm *ExecutableMapping) String() string {
	return fmt.Sprintf("ExecutableMapping {LoadAddr: 0x%x, StartAddr: 0x%x, EndAddr: 0x%x, Executable:%s}", pm.LoadAddr, pm.StartAddr, pm.EndAddr, pm.Executable)
}

type ExecutableMappings []*ExecutableMapping

// Hash summarizes the layout so callers can tell whether a table built for
// an earlier layout is still valid.
func (pm ExecutableMappings) Hash() uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, m := range pm {
		for _, v := range []uint64{m.LoadAddr, m.StartAddr, m.EndAddr} {
			binary.LittleEndian.PutUint64(buf[:], v)
			_, _ = d.Write(buf[:])
		}
		_, _ = d.WriteString(m.Executable)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// ListExecutableMappings returns the executable mappings with their load
// address set. ELF objects are split over several mappings, only some of them
// executable, so the load address is found by walking back to the first
// mapping of the same file. jitdump files are left out.
func ListExecutableMappings(rawMappings []*procfs.ProcMap) ExecutableMappings {
	var result ExecutableMappings
	firstSeen := false
	for idx, raw := range rawMappings {
		if !raw.Perms.Execute {
			continue
		}

		var loadAddr uint64
		if raw.Pathname != "" {
			for rev := idx; rev >= 0; rev-- {
				if rawMappings[rev].Pathname != raw.Pathname {
					break
				}
				loadAddr = uint64(rawMappings[rev].StartAddr)
			}
		}

		mapping := &ExecutableMapping{
			LoadAddr:   loadAddr,
			StartAddr:  uint64(raw.StartAddr),
			EndAddr:    uint64(raw.EndAddr),
			Offset:     uint64(raw.Offset),
			Executable: raw.Pathname,
			mainExec:   !firstSeen,
		}
		if mapping.IsJitDump() {
			continue
		}
		result = append(result, mapping)
		firstSeen = true
	}
	return result
}

// MappingsForPID reads and parses /proc/<pid>/maps.
func MappingsForPID(fs procfs.FS, pid int) (ExecutableMappings, error) {
	proc, err := fs.Proc(pid)
	if err != nil {
		return nil, fmt.Errorf("open proc %d: %w", pid, err)
	}
	raw, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("read maps of %d: %w", pid, err)
	}
	return ListExecutableMappings(raw), nil
}

// Find returns the mapping containing addr.
func (pm ExecutableMappings) Find(addr uint64) (*ExecutableMapping, bool) {
	for _, m := range pm {
		if addr >= m.StartAddr && addr < m.EndAddr {
			return m, true
		}
	}
	return nil, false
}
