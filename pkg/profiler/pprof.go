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
	"time"

	pprofprofile "github.com/google/pprof/profile"

	"github.com/parca-dev/stackwalk/pkg/profile"
	"github.com/parca-dev/stackwalk/pkg/stack/unwind"
)

const kernelMappingName = "[kernel.kallsyms]"

// ConvertToPprof converts the drained samples of one process to an
// unsymbolized pprof profile. Addresses outside of every mapping get a
// location without a mapping.
func ConvertToPprof(captureTime time.Time, periodNS int64, data profile.ProcessRawData, mappings unwind.ExecutableMappings) (*pprofprofile.Profile, error) {
	prof := &pprofprofile.Profile{
		SampleType: []*pprofprofile.ValueType{{
			Type: "samples",
			Unit: "count",
		}},
		TimeNanos:     captureTime.UnixNano(),
		DurationNanos: int64(time.Since(captureTime)),

		// Sampling at 100Hz would be every 10 Million nanoseconds.
		PeriodType: &pprofprofile.ValueType{
			Type: "cpu",
			Unit: "nanoseconds",
		},
		Period: periodNS,
	}

	c := &converter{
		prof:        prof,
		mappings:    mappings,
		pprofByExec: make(map[*unwind.ExecutableMapping]*pprofprofile.Mapping, len(mappings)),
		locations:   map[locationKey]*pprofprofile.Location{},
	}
	for _, s := range data.RawSamples {
		locs := make([]*pprofprofile.Location, 0, len(s.KernelStack)+len(s.UserStack))
		for _, addr := range s.KernelStack {
			locs = append(locs, c.kernelLocation(addr))
		}
		for _, addr := range s.UserStack {
			locs = append(locs, c.userLocation(addr))
		}
		prof.Sample = append(prof.Sample, &pprofprofile.Sample{
			Value:    []int64{int64(s.Value)},
			Location: locs,
		})
	}

	if err := prof.CheckValid(); err != nil {
		return nil, err
	}
	return prof, nil
}

type locationKey struct {
	addr   uint64
	kernel bool
}

type converter struct {
	prof *pprofprofile.Profile

	mappings      unwind.ExecutableMappings
	pprofByExec   map[*unwind.ExecutableMapping]*pprofprofile.Mapping
	kernelMapping *pprofprofile.Mapping

	locations map[locationKey]*pprofprofile.Location
}

func (c *converter) addMapping(m *pprofprofile.Mapping) *pprofprofile.Mapping {
	m.ID = uint64(len(c.prof.Mapping)) + 1
	c.prof.Mapping = append(c.prof.Mapping, m)
	return m
}

func (c *converter) addLocation(key locationKey, m *pprofprofile.Mapping) *pprofprofile.Location {
	if l, ok := c.locations[key]; ok {
		return l
	}
	l := &pprofprofile.Location{
		ID:      uint64(len(c.prof.Location)) + 1,
		Address: key.addr,
		Mapping: m,
	}
	c.prof.Location = append(c.prof.Location, l)
	c.locations[key] = l
	return l
}

func (c *converter) userLocation(addr uint64) *pprofprofile.Location {
	key := locationKey{addr: addr}
	if l, ok := c.locations[key]; ok {
		return l
	}

	em, ok := c.mappings.Find(addr)
	if !ok {
		return c.addLocation(key, nil)
	}
	m, ok := c.pprofByExec[em]
	if !ok {
		m = c.addMapping(&pprofprofile.Mapping{
			Start:  em.StartAddr,
			Limit:  em.EndAddr,
			Offset: em.Offset,
			File:   em.Executable,
		})
		c.pprofByExec[em] = m
	}
	return c.addLocation(key, m)
}

func (c *converter) kernelLocation(addr uint64) *pprofprofile.Location {
	if c.kernelMapping == nil {
		c.kernelMapping = c.addMapping(&pprofprofile.Mapping{File: kernelMappingName})
	}
	return c.addLocation(locationKey{addr: addr, kernel: true}, c.kernelMapping)
}
