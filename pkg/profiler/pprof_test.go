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

package profiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/stackwalk/pkg/profile"
	"github.com/parca-dev/stackwalk/pkg/stack/unwind"
)

func TestConvertToPprof(t *testing.T) {
	mappings := unwind.ExecutableMappings{
		{LoadAddr: 0x1000, StartAddr: 0x1000, EndAddr: 0x2000, Offset: 0, Executable: "/bin/app"},
		{LoadAddr: 0x7000, StartAddr: 0x8000, EndAddr: 0x9000, Offset: 0x1000, Executable: "/lib/libc.so.6"},
	}
	data := profile.ProcessRawData{
		PID: 42,
		RawSamples: []profile.RawSample{
			{UserStack: []uint64{0x1010, 0x8020}, KernelStack: []uint64{0xffffffff81000010}, Value: 3},
			{UserStack: []uint64{0x1010, 0xdead0000}, Value: 2},
		},
	}

	prof, err := ConvertToPprof(time.Now(), 1e7, data, mappings)
	require.NoError(t, err)
	require.NoError(t, prof.CheckValid())

	require.Len(t, prof.Sample, 2)
	require.Equal(t, []int64{3}, prof.Sample[0].Value)
	require.Equal(t, []int64{2}, prof.Sample[1].Value)

	// Kernel frames come first, addresses shared between samples share a
	// location.
	first, second := prof.Sample[0].Location, prof.Sample[1].Location
	require.Len(t, first, 3)
	require.Equal(t, kernelMappingName, first[0].Mapping.File)
	require.Same(t, first[1], second[0])
	require.Equal(t, "/lib/libc.so.6", first[2].Mapping.File)
	require.Equal(t, uint64(0x1000), first[2].Mapping.Offset)
	require.Nil(t, second[1].Mapping)

	require.Len(t, prof.Location, 4)
	require.Len(t, prof.Mapping, 3)
	require.Equal(t, int64(1e7), prof.Period)
}

func TestConvertToPprofEmpty(t *testing.T) {
	prof, err := ConvertToPprof(time.Now(), 1e7, profile.ProcessRawData{PID: 1}, nil)
	require.NoError(t, err)
	require.Empty(t, prof.Sample)
	require.Empty(t, prof.Mapping)
}
