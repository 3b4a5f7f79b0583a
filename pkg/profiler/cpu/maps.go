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
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"github.com/parca-dev/stackwalk/pkg/stack/unwind"
)

const (
	DefaultCountsMapSize      = 10240
	DefaultStackTracesMapSize = 1024
	// MaxTargets is how many processes can use the unwind table walker at
	// the same time.
	MaxTargets = 2
)

var (
	errMissing       = errors.New("missing stack trace")
	errUnwindFailed  = errors.New("stack ID is 0, probably stack unwinding failed")
	errInvalidTarget = errors.New("invalid unwinder target")
)

// SampleKey identifies one aggregated bucket. Stack ids are 1-based, 0
// means the stack is absent.
type SampleKey struct {
	PID           uint32
	UserStackID   int32
	KernelStackID int32
}

// CountsMap is a fixed-capacity map from sample keys to counters. Existing
// counters are bumped without locking. New keys claim a counter from a
// preallocated slab. Once the slab is used up new keys are refused.
type CountsMap struct {
	counts *xsync.MapOf[SampleKey, *atomic.Uint64]
	slab   []atomic.Uint64
	used   atomic.Uint32
}

func NewCountsMap(capacity int) *CountsMap {
	if capacity <= 0 {
		capacity = DefaultCountsMapSize
	}
	return &CountsMap{
		counts: xsync.NewMapOf[SampleKey, *atomic.Uint64](xsync.WithPresize(capacity)),
		slab:   make([]atomic.Uint64, capacity),
	}
}

func (m *CountsMap) Capacity() int { return len(m.slab) }

// Increment adds one to key's counter, creating it at zero first. Racing
// creators agree on a single counter. It returns false when key is new and
// the map is full.
func (m *CountsMap) Increment(key SampleKey) bool {
	if c, ok := m.counts.Load(key); ok {
		c.Inc()
		return true
	}

	c, ok := m.counts.Compute(key, func(old *atomic.Uint64, loaded bool) (*atomic.Uint64, bool) {
		if loaded {
			return old, false
		}
		if int(m.used.Load()) >= len(m.slab) {
			return nil, true
		}
		slot := int(m.used.Inc()) - 1
		if slot >= len(m.slab) {
			return nil, true
		}
		return &m.slab[slot], false
	})
	if !ok || c == nil {
		return false
	}
	c.Inc()
	return true
}

// Lookup returns the current count of key.
func (m *CountsMap) Lookup(key SampleKey) (uint64, bool) {
	c, ok := m.counts.Load(key)
	if !ok {
		return 0, false
	}
	return c.Load(), true
}

// Len returns the number of keys.
func (m *CountsMap) Len() int { return m.counts.Size() }

// Range calls f for every key with a non-zero count.
func (m *CountsMap) Range(f func(key SampleKey, count uint64) bool) {
	m.counts.Range(func(k SampleKey, c *atomic.Uint64) bool {
		v := c.Load()
		if v == 0 {
			return true
		}
		return f(k, v)
	})
}

// Reset empties the map. It must not race with Increment.
func (m *CountsMap) Reset() {
	m.counts.Clear()
	n := min(int(m.used.Load()), len(m.slab))
	for i := 0; i < n; i++ {
		m.slab[i].Store(0)
	}
	m.used.Store(0)
}

const (
	slotEmpty uint32 = iota
	slotWriting
	slotReady
)

type stackSlot struct {
	state  atomic.Uint32
	hash   uint64
	frames int
	trace  unwind.StackTrace
}

// StackTraceMap is a fixed pool of raw stacks. A stack's id is derived from
// its hash, identical stacks share an id, and a stack whose slot is held by
// a different stack is refused.
type StackTraceMap struct {
	slots []stackSlot
}

func NewStackTraceMap(capacity int) *StackTraceMap {
	if capacity <= 0 {
		capacity = DefaultStackTracesMapSize
	}
	return &StackTraceMap{slots: make([]stackSlot, capacity)}
}

func (m *StackTraceMap) Capacity() int { return len(m.slots) }

func hashFrames(frames []uint64) uint64 {
	var (
		d   xxhash.Digest
		buf [8]byte
	)
	d.Reset()
	for _, f := range frames {
		binary.LittleEndian.PutUint64(buf[:], f)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

func (s *stackSlot) matches(h uint64, frames []uint64) bool {
	if s.hash != h || s.frames != len(frames) {
		return false
	}
	for i, f := range frames {
		if s.trace[i] != f {
			return false
		}
	}
	return true
}

// Intern stores frames and returns their id, or 0 when frames is empty or
// the slot can't be used. Frames beyond unwind.MaxStackDepth are dropped.
func (m *StackTraceMap) Intern(frames []uint64) int32 {
	if len(frames) == 0 {
		return 0
	}
	if len(frames) > unwind.MaxStackDepth {
		frames = frames[:unwind.MaxStackDepth]
	}

	h := hashFrames(frames)
	idx := h % uint64(len(m.slots))
	s := &m.slots[idx]
	id := int32(idx) + 1

	if s.state.CompareAndSwap(slotEmpty, slotWriting) {
		s.hash = h
		s.frames = len(frames)
		s.trace = unwind.StackTrace{}
		copy(s.trace[:], frames)
		s.state.Store(slotReady)
		return id
	}
	if s.state.Load() == slotReady && s.matches(h, frames) {
		return id
	}
	return 0
}

// Lookup copies the stack with the given id into st.
func (m *StackTraceMap) Lookup(id int32, st *unwind.StackTrace) error {
	if id == 0 {
		return errUnwindFailed
	}
	if id < 0 || int(id) > len(m.slots) {
		return fmt.Errorf("%w: id %d out of range", errMissing, id)
	}
	s := &m.slots[id-1]
	if s.state.Load() != slotReady {
		return errMissing
	}
	*st = s.trace
	return nil
}

// Reset empties the pool. It must not race with Intern.
func (m *StackTraceMap) Reset() {
	for i := range m.slots {
		m.slots[i].state.Store(slotEmpty)
	}
}

// Generation is one aggregation window, the counters together with the
// stacks their keys refer to.
type Generation struct {
	Counts *CountsMap
	Stacks *StackTraceMap
}

func (g *Generation) reset() {
	g.Counts.Reset()
	g.Stacks.Reset()
}

// AggregationStore double buffers generations. Samplers write into the
// active one while the drainer reads the one it just retired. A generation
// is only reset right before it becomes active again, a full window after
// it was retired.
type AggregationStore struct {
	active atomic.Pointer[Generation]

	mtx  sync.Mutex
	gens [2]*Generation
	cur  int
}

func NewAggregationStore(countsSize, stacksSize int) *AggregationStore {
	s := &AggregationStore{}
	for i := range s.gens {
		s.gens[i] = &Generation{
			Counts: NewCountsMap(countsSize),
			Stacks: NewStackTraceMap(stacksSize),
		}
	}
	s.active.Store(s.gens[0])
	return s
}

// Active returns the generation samples should go to.
func (s *AggregationStore) Active() *Generation {
	return s.active.Load()
}

// Drain swaps in a fresh generation and hands the retired one to f.
func (s *AggregationStore) Drain(f func(*Generation) error) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	retired := s.gens[s.cur]
	s.cur = 1 - s.cur
	next := s.gens[s.cur]
	next.reset()
	s.active.Store(next)

	return f(retired)
}

type target struct {
	pid    atomic.Uint32
	walker atomic.Pointer[unwind.Walker]
}

// UnwinderConfig selects which processes are unwound with an unwind table
// instead of frame pointers. It is written by the control plane and read by
// every sample.
type UnwinderConfig struct {
	slots [MaxTargets]target
}

// SetTarget makes pid use table. The walker is published before the pid so
// a reader that sees the pid also sees its walker.
func (c *UnwinderConfig) SetTarget(slot int, pid uint32, table *unwind.Table) error {
	if slot < 0 || slot >= MaxTargets {
		return fmt.Errorf("%w: slot %d", errInvalidTarget, slot)
	}
	if pid == 0 || table == nil {
		return fmt.Errorf("%w: pid %d", errInvalidTarget, pid)
	}
	t := &c.slots[slot]
	t.pid.Store(0)
	t.walker.Store(unwind.NewWalker(table))
	t.pid.Store(pid)
	return nil
}

// ClearTarget releases a slot.
func (c *UnwinderConfig) ClearTarget(slot int) {
	if slot < 0 || slot >= MaxTargets {
		return
	}
	c.slots[slot].pid.Store(0)
	c.slots[slot].walker.Store(nil)
}

// Walker returns the table walker for pid if it is a target.
func (c *UnwinderConfig) Walker(pid uint32) (*unwind.Walker, bool) {
	if pid == 0 {
		return nil, false
	}
	for i := range c.slots {
		if c.slots[i].pid.Load() != pid {
			continue
		}
		if w := c.slots[i].walker.Load(); w != nil {
			return w, true
		}
	}
	return nil, false
}

// Targets returns the configured pids indexed by slot, 0 for empty slots.
func (c *UnwinderConfig) Targets() [MaxTargets]uint32 {
	var out [MaxTargets]uint32
	for i := range c.slots {
		out[i] = c.slots[i].pid.Load()
	}
	return out
}
