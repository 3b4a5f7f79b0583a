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

package cpu

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/stackwalk/pkg/stack/unwind"
)

func TestCountsMapConcurrentIncrementsAreExact(t *testing.T) {
	m := NewCountsMap(16)
	key := SampleKey{PID: 1, UserStackID: 2, KernelStackID: 3}

	const (
		workers    = 8
		increments = 1000
	)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				m.Increment(key)
			}
		}()
	}
	wg.Wait()

	count, ok := m.Lookup(key)
	require.True(t, ok)
	require.Equal(t, uint64(workers*increments), count)
	require.Equal(t, 1, m.Len())
}

func TestCountsMapDropsNewKeysWhenFull(t *testing.T) {
	m := NewCountsMap(4)
	for pid := uint32(1); pid <= 4; pid++ {
		require.True(t, m.Increment(SampleKey{PID: pid}))
	}

	require.False(t, m.Increment(SampleKey{PID: 5}))
	_, ok := m.Lookup(SampleKey{PID: 5})
	require.False(t, ok)

	// Existing keys keep counting.
	require.True(t, m.Increment(SampleKey{PID: 1}))
	count, ok := m.Lookup(SampleKey{PID: 1})
	require.True(t, ok)
	require.Equal(t, uint64(2), count)
	require.Equal(t, 4, m.Len())
}

func TestCountsMapConcurrentOverflow(t *testing.T) {
	const capacity = 64
	m := NewCountsMap(capacity)

	var (
		wg       sync.WaitGroup
		mtx      sync.Mutex
		accepted uint64
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var n uint64
			for i := 0; i < 100; i++ {
				if m.Increment(SampleKey{PID: uint32(w*100 + i + 1)}) {
					n++
				}
			}
			mtx.Lock()
			accepted += n
			mtx.Unlock()
		}(w)
	}
	wg.Wait()

	require.LessOrEqual(t, m.Len(), capacity)

	var total uint64
	m.Range(func(_ SampleKey, count uint64) bool {
		require.Equal(t, uint64(1), count)
		total += count
		return true
	})
	require.Equal(t, accepted, total)
}

func TestCountsMapReset(t *testing.T) {
	m := NewCountsMap(2)
	require.True(t, m.Increment(SampleKey{PID: 1}))
	require.True(t, m.Increment(SampleKey{PID: 2}))
	require.False(t, m.Increment(SampleKey{PID: 3}))

	m.Reset()
	require.Equal(t, 0, m.Len())
	require.True(t, m.Increment(SampleKey{PID: 3}))
	count, ok := m.Lookup(SampleKey{PID: 3})
	require.True(t, ok)
	require.Equal(t, uint64(1), count)
}

func TestStackTraceMapIntern(t *testing.T) {
	m := NewStackTraceMap(64)

	frames := []uint64{0x1050, 0x2010}
	id := m.Intern(frames)
	require.NotZero(t, id)
	require.Equal(t, id, m.Intern([]uint64{0x1050, 0x2010}))

	var st unwind.StackTrace
	require.NoError(t, m.Lookup(id, &st))
	require.Equal(t, frames, st.Frames())

	require.Zero(t, m.Intern(nil))
	require.ErrorIs(t, m.Lookup(0, &st), errUnwindFailed)
	require.ErrorIs(t, m.Lookup(65, &st), errMissing)
}

func TestStackTraceMapCollisionIsAbsent(t *testing.T) {
	m := NewStackTraceMap(1)

	first := m.Intern([]uint64{0x1})
	require.Equal(t, int32(1), first)
	require.Zero(t, m.Intern([]uint64{0x2}))

	var st unwind.StackTrace
	require.NoError(t, m.Lookup(first, &st))
	require.Equal(t, []uint64{0x1}, st.Frames())
}

func TestStackTraceMapTruncatesDeepStacks(t *testing.T) {
	m := NewStackTraceMap(8)

	frames := make([]uint64, unwind.MaxStackDepth+10)
	for i := range frames {
		frames[i] = uint64(i + 1)
	}
	id := m.Intern(frames)
	require.NotZero(t, id)

	var st unwind.StackTrace
	require.NoError(t, m.Lookup(id, &st))
	require.Equal(t, frames[:unwind.MaxStackDepth], st.Frames())
}

func TestAggregationStoreDrain(t *testing.T) {
	s := NewAggregationStore(8, 8)

	gen := s.Active()
	id := gen.Stacks.Intern([]uint64{0xdead})
	key := SampleKey{PID: 10, UserStackID: id}
	require.True(t, gen.Counts.Increment(key))
	require.True(t, gen.Counts.Increment(key))

	var drained int
	err := s.Drain(func(retired *Generation) error {
		require.Same(t, gen, retired)
		require.NotSame(t, gen, s.Active())

		retired.Counts.Range(func(k SampleKey, count uint64) bool {
			drained++
			require.Equal(t, key, k)
			require.Equal(t, uint64(2), count)

			var st unwind.StackTrace
			require.NoError(t, retired.Stacks.Lookup(k.UserStackID, &st))
			require.Equal(t, []uint64{0xdead}, st.Frames())
			return true
		})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, drained)

	// The generation drained earlier is reset before it is reused.
	require.NoError(t, s.Drain(func(*Generation) error { return nil }))
	require.Same(t, gen, s.Active())
	require.Equal(t, 0, s.Active().Counts.Len())
}

func TestUnwinderConfigTargets(t *testing.T) {
	c := &UnwinderConfig{}
	table := unwind.NewTable(16)

	require.ErrorIs(t, c.SetTarget(MaxTargets, 1, table), errInvalidTarget)
	require.ErrorIs(t, c.SetTarget(0, 0, table), errInvalidTarget)
	require.ErrorIs(t, c.SetTarget(0, 1, nil), errInvalidTarget)

	require.NoError(t, c.SetTarget(1, 42, table))
	w, ok := c.Walker(42)
	require.True(t, ok)
	require.NotNil(t, w)
	require.Equal(t, [MaxTargets]uint32{0, 42}, c.Targets())

	_, ok = c.Walker(43)
	require.False(t, ok)
	_, ok = c.Walker(0)
	require.False(t, ok)

	c.ClearTarget(1)
	_, ok = c.Walker(42)
	require.False(t, ok)
}
