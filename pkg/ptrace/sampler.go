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

// Package ptrace samples the threads of target processes by briefly
// stopping them with ptrace(2).
package ptrace

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/parca-dev/stackwalk/pkg/profiler/cpu"
	"github.com/parca-dev/stackwalk/pkg/remotememory"
	"github.com/parca-dev/stackwalk/pkg/stack/unwind"
)

const (
	// DefaultStackSnapshotSize is how much of a thread's stack is copied
	// per sample. Frames above it are lost.
	DefaultStackSnapshotSize = 64 << 10
	minStackSnapshotSize     = 4 << 10

	attachRetries = 3
)

type snapshotFunc func(pid int, addr uint64, size int) (unwind.MemoryReader, error)

func snapshotStack(pid int, addr uint64, size int) (unwind.MemoryReader, error) {
	w, err := remotememory.Snapshot(pid, addr, size)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Sampler periodically stops every thread of its target processes, copies
// the registers and the top of the stack and hands them to a cpu.Handler.
type Sampler struct {
	logger  log.Logger
	metrics *metrics

	fs        procfs.FS
	pids      []int
	period    time.Duration
	stackSize int
	workers   int

	tracer   tracer
	snapshot snapshotFunc

	// threads are the thread ids seen in the previous round, per process.
	threads map[int]*roaring.Bitmap
}

var _ cpu.Source = (*Sampler)(nil)

type Option func(*Sampler)

// WithStackSnapshotSize sets how many bytes of each stack are copied. Sizes
// below the minimum are raised to it.
func WithStackSnapshotSize(size int) Option {
	return func(s *Sampler) {
		s.stackSize = max(size, minStackSnapshotSize)
	}
}

// WithWorkers sets how many goroutines walk the stacks of a round.
func WithWorkers(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func NewSampler(logger log.Logger, reg prometheus.Registerer, fs procfs.FS, pids []int, frequency uint64, opts ...Option) (*Sampler, error) {
	if frequency == 0 {
		return nil, errors.New("sampling frequency must be positive")
	}
	if len(pids) == 0 {
		return nil, errors.New("no processes to sample")
	}
	s := &Sampler{
		logger:  logger,
		metrics: newMetrics(reg),

		fs:        fs,
		pids:      pids,
		period:    time.Second / time.Duration(frequency),
		stackSize: DefaultStackSnapshotSize,
		workers:   runtime.GOMAXPROCS(0),

		tracer:   newSeizeTracer(),
		snapshot: snapshotStack,

		threads: make(map[int]*roaring.Bitmap, len(pids)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context, h *cpu.Handler) error {
	// A tracee is bound to the thread that attached to it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	level.Debug(s.logger).Log("msg", "start sampling", "pids", fmt.Sprint(s.pids), "period", s.period)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		start := time.Now()
		events := s.collect(ctx)
		s.dispatch(h, events)
		s.metrics.roundDuration.Observe(time.Since(start).Seconds())
	}
}

// collect stops each thread in turn and returns one event per thread that
// could be sampled.
func (s *Sampler) collect(ctx context.Context) []*cpu.Event {
	var events []*cpu.Event
	for _, pid := range s.pids {
		tids, err := s.discover(pid)
		if err != nil {
			level.Debug(s.logger).Log("msg", "failed to list threads", "pid", pid, "err", err)
			continue
		}

		it := tids.Iterator()
		for it.HasNext() {
			if ctx.Err() != nil {
				return events
			}
			tid := int(it.Next())
			ev, err := s.sampleThread(ctx, pid, tid)
			if err != nil {
				s.metrics.result(err).Inc()
				level.Debug(s.logger).Log("msg", "failed to sample thread", "pid", pid, "tid", tid, "err", err)
				continue
			}
			s.metrics.samplesSuccess.Inc()
			events = append(events, ev)
		}
	}
	return events
}

// dispatch runs the handler for all events of a round concurrently.
func (s *Sampler) dispatch(h *cpu.Handler, events []*cpu.Event) {
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, ev := range events {
		ev := ev
		g.Go(func() error {
			h.Sample(ev)
			return nil
		})
	}
	_ = g.Wait()
}

// discover lists the threads of pid and records how the set changed since
// the previous round.
func (s *Sampler) discover(pid int) (*roaring.Bitmap, error) {
	procs, err := s.fs.AllThreads(pid)
	if err != nil {
		return nil, err
	}

	current := roaring.New()
	for _, p := range procs {
		current.Add(uint32(p.PID))
	}

	if prev, ok := s.threads[pid]; ok {
		started := roaring.AndNot(current, prev).GetCardinality()
		exited := roaring.AndNot(prev, current).GetCardinality()
		if started > 0 || exited > 0 {
			level.Debug(s.logger).Log("msg", "threads changed", "pid", pid, "started", started, "exited", exited)
		}
	}
	s.threads[pid] = current
	s.metrics.threads.WithLabelValues(strconv.Itoa(pid)).Set(float64(current.GetCardinality()))
	return current, nil
}

func (s *Sampler) attach(ctx context.Context, tid int) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = s.period

	return backoff.Retry(func() error {
		err := s.tracer.Attach(tid)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY) {
			s.metrics.attachRetries.Inc()
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, attachRetries), ctx))
}

func (s *Sampler) sampleThread(ctx context.Context, pid, tid int) (ev *cpu.Event, err error) { //nolint:nonamedreturns
	if err := s.attach(ctx, tid); err != nil {
		return nil, &sampleError{stage: stageAttach, err: err}
	}
	defer func() {
		if derr := s.tracer.Detach(tid); derr != nil && err == nil {
			level.Debug(s.logger).Log("msg", "failed to detach", "tid", tid, "err", derr)
		}
	}()

	regs, err := s.tracer.Registers(tid)
	if err != nil {
		return nil, &sampleError{stage: stageRegisters, err: err}
	}

	ev = &cpu.Event{PID: uint32(pid), TID: uint32(tid), Regs: regs}
	// Without the stack only the sampled address is known, which is still
	// worth a sample.
	for size := s.stackSize; size >= minStackSnapshotSize; size /= 2 {
		mem, err := s.snapshot(pid, regs.SP, size)
		if err == nil {
			ev.Memory = mem
			break
		}
	}
	if ev.Memory == nil {
		s.metrics.stackSnapshotFailed.Inc()
	}
	return ev, nil
}
