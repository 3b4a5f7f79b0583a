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

package profile

import (
	"io"
	"strconv"
)

type PID uint32

func (p PID) String() string { return strconv.FormatUint(uint64(p), 10) }

// ProcessRawData holds the drained samples of one process.
type ProcessRawData struct {
	PID        PID
	RawSamples []RawSample
}

// Total returns the sum of all sample values.
func (d ProcessRawData) Total() uint64 {
	var total uint64
	for _, s := range d.RawSamples {
		total += s.Value
	}
	return total
}

type RawSample struct {
	UserStack   []uint64
	KernelStack []uint64
	Value       uint64
}

type RawData []ProcessRawData

type Writer interface {
	Write(io.Writer) error
	WriteUncompressed(io.Writer) error
}
