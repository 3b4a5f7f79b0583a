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
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/stackwalk/pkg/stack/unwind"
)

type memory map[uint64]uint64

func (m memory) Uint64(addr uint64) (uint64, error) {
	v, ok := m[addr]
	if !ok {
		return 0, errors.New("unmapped")
	}
	return v, nil
}

func twoFrameTable(t testing.TB) *unwind.Table {
	t.Helper()

	table := unwind.NewTable(16)
	require.NoError(t, table.Load(unwind.UnwindTable{
		{Loc: 0x1000, CFA: unwind.Instruction{Op: unwind.OpSPOffset, Offset: 16}, RA: unwind.Instruction{Op: unwind.OpCFAOffset, Offset: -8}},
		{Loc: 0x2000, CFA: unwind.Instruction{Op: unwind.OpSPOffset, Offset: 16}, RA: unwind.Instruction{Op: unwind.OpCFAOffset, Offset: -8}},
		{Loc: 0x3000},
	}))
	return table
}

func newTestHandler(t testing.TB, countsSize int) (*Handler, *UnwinderConfig, *AggregationStore) {
	t.Helper()

	config := &UnwinderConfig{}
	store := NewAggregationStore(countsSize, 64)
	return NewHandler(prometheus.NewRegistry(), config, store), config, store
}

func onlyKey(t *testing.T, gen *Generation) (SampleKey, uint64) {
	t.Helper()

	var (
		keys   []SampleKey
		counts []uint64
	)
	gen.Counts.Range(func(k SampleKey, c uint64) bool {
		keys = append(keys, k)
		counts = append(counts, c)
		return true
	})
	require.Len(t, keys, 1)
	return keys[0], counts[0]
}

func TestHandlerSkipsIdleTask(t *testing.T) {
	h, _, store := newTestHandler(t, 8)

	require.Equal(t, ResultIdle, h.Sample(&Event{PID: 0, TID: 0}))
	require.Equal(t, 0, store.Active().Counts.Len())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.idle))
}

func TestHandlerWalksTargetWithUnwindTable(t *testing.T) {
	h, config, store := newTestHandler(t, 8)
	require.NoError(t, config.SetTarget(0, 42, twoFrameTable(t)))

	ev := &Event{
		PID:  42,
		TID:  43,
		Regs: unwind.Registers{IP: 0x1050, SP: 0x7f00},
		Memory: memory{
			0x7f08: 0x2010,
			0x7f18: 0,
		},
	}
	require.Equal(t, ResultAggregated, h.Sample(ev))
	require.Equal(t, ResultAggregated, h.Sample(ev))

	gen := store.Active()
	key, count := onlyKey(t, gen)
	require.Equal(t, uint32(42), key.PID)
	require.Zero(t, key.KernelStackID)
	require.Equal(t, uint64(2), count)

	var st unwind.StackTrace
	require.NoError(t, gen.Stacks.Lookup(key.UserStackID, &st))
	require.Equal(t, []uint64{0x1050, 0x2010}, st.Frames())

	require.Equal(t, 2.0, testutil.ToFloat64(h.metrics.strategyTable))
	require.Equal(t, 0.0, testutil.ToFloat64(h.metrics.strategyFramePointer))
	require.Equal(t, 2.0, testutil.ToFloat64(h.metrics.unwindStop[unwind.StopBottom]))
}

func TestHandlerFallsBackToFramePointers(t *testing.T) {
	h, config, store := newTestHandler(t, 8)
	require.NoError(t, config.SetTarget(0, 42, twoFrameTable(t)))

	ev := &Event{
		PID:  7,
		TID:  7,
		Regs: unwind.Registers{IP: 0x5000, SP: 0x7f00, BP: 0x8000},
		Memory: memory{
			0x8000: 0x8010,
			0x8008: 0x6000,
			0x8010: 0,
			0x8018: 0x7000,
		},
		KernelStack: []uint64{0xffffffff81000010, 0xffffffff81000020},
	}
	require.Equal(t, ResultAggregated, h.Sample(ev))

	gen := store.Active()
	key, count := onlyKey(t, gen)
	require.Equal(t, uint32(7), key.PID)
	require.Equal(t, uint64(1), count)

	var st unwind.StackTrace
	require.NoError(t, gen.Stacks.Lookup(key.UserStackID, &st))
	require.Equal(t, []uint64{0x5000, 0x6000, 0x7000}, st.Frames())
	require.NoError(t, gen.Stacks.Lookup(key.KernelStackID, &st))
	require.Equal(t, []uint64{0xffffffff81000010, 0xffffffff81000020}, st.Frames())

	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.strategyFramePointer))
}

func TestHandlerUnwindFailureStillCounts(t *testing.T) {
	h, config, store := newTestHandler(t, 8)
	require.NoError(t, config.SetTarget(0, 42, unwind.NewTable(16)))

	// No row covers the address, only the sampled address is known.
	require.Equal(t, ResultAggregated, h.Sample(&Event{PID: 42, TID: 42, Regs: unwind.Registers{IP: 0x1234}}))

	gen := store.Active()
	key, _ := onlyKey(t, gen)
	var st unwind.StackTrace
	require.NoError(t, gen.Stacks.Lookup(key.UserStackID, &st))
	require.Equal(t, []uint64{0x1234}, st.Frames())
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.unwindStop[unwind.StopNoRow]))
}

func TestHandlerDropsWhenCountsAreFull(t *testing.T) {
	h, _, store := newTestHandler(t, 1)

	require.Equal(t, ResultAggregated, h.Sample(&Event{PID: 1, TID: 1}))
	require.Equal(t, ResultDropped, h.Sample(&Event{PID: 2, TID: 2}))
	require.Equal(t, ResultAggregated, h.Sample(&Event{PID: 1, TID: 1}))

	key, count := onlyKey(t, store.Active())
	require.Equal(t, SampleKey{PID: 1}, key)
	require.Equal(t, uint64(2), count)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.dropped))
}

func TestHandlerConcurrentSamples(t *testing.T) {
	h, config, store := newTestHandler(t, 8)
	require.NoError(t, config.SetTarget(0, 42, twoFrameTable(t)))

	mem := memory{0x7f08: 0x2010, 0x7f18: 0}
	const (
		workers = 8
		samples = 500
	)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < samples; j++ {
				h.Sample(&Event{PID: 42, TID: 43, Regs: unwind.Registers{IP: 0x1050, SP: 0x7f00}, Memory: mem})
			}
		}()
	}
	wg.Wait()

	_, count := onlyKey(t, store.Active())
	require.Equal(t, uint64(workers*samples), count)
}

func BenchmarkHandlerSample(b *testing.B) {
	h, config, _ := newTestHandler(b, 64)
	require.NoError(b, config.SetTarget(0, 42, twoFrameTable(b)))

	ev := &Event{
		PID:    42,
		TID:    43,
		Regs:   unwind.Registers{IP: 0x1050, SP: 0x7f00},
		Memory: memory{0x7f08: 0x2010, 0x7f18: 0},
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h.Sample(ev)
		}
	})
}
