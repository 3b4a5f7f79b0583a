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
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/stackwalk/pkg/profile"
	"github.com/parca-dev/stackwalk/pkg/profiler"
	"github.com/parca-dev/stackwalk/pkg/stack/unwind"
)

const profilerName = "cpu"

// Source delivers sampling events to h until ctx is done.
type Source interface {
	Run(ctx context.Context, h *Handler) error
}

// TableBuilder provides the unwind tables and mappings of processes.
type TableBuilder interface {
	TableForPID(ctx context.Context, pid int) (unwind.UnwindTable, unwind.ExecutableMappings, error)
	MappingsForPID(pid int) (unwind.ExecutableMappings, error)
}

type Config struct {
	ProfilingDuration time.Duration
	SamplingFrequency uint64

	CountsMapSize      int
	StackTracesMapSize int
	TableCapacity      int

	// TargetPIDs are unwound with unwind tables, at most MaxTargets of them.
	TargetPIDs []int
}

type targetState struct {
	pid          int
	table        *unwind.Table
	mappingsHash uint64
	loaded       bool
}

type CPU struct {
	logger  log.Logger
	reg     prometheus.Registerer
	metrics *metrics

	mtx *sync.RWMutex

	profilingDuration time.Duration
	samplingFrequency uint64

	store   *AggregationStore
	config  *UnwinderConfig
	handler *Handler

	targetsMtx    sync.Mutex
	targets       []*targetState
	tableCapacity int

	source       Source
	builder      TableBuilder
	profileStore profiler.ProfileStore

	lastError                      error
	processLastErrors              map[int]error
	lastSuccessfulProfileStartedAt time.Time
	lastProfileStartedAt           time.Time
}

var _ profiler.Profiler = (*CPU)(nil)

func NewCPUProfiler(
	logger log.Logger,
	reg prometheus.Registerer,
	cfg Config,
	source Source,
	builder TableBuilder,
	profileStore profiler.ProfileStore,
) (*CPU, error) {
	if err := validateTargets(cfg.TargetPIDs); err != nil {
		return nil, err
	}
	if cfg.SamplingFrequency == 0 {
		return nil, errors.New("sampling frequency must be positive")
	}

	store := NewAggregationStore(cfg.CountsMapSize, cfg.StackTracesMapSize)
	config := &UnwinderConfig{}

	targets := make([]*targetState, 0, len(cfg.TargetPIDs))
	for _, pid := range cfg.TargetPIDs {
		targets = append(targets, &targetState{pid: pid, table: unwind.NewTable(cfg.TableCapacity)})
	}

	return &CPU{
		logger:  logger,
		reg:     reg,
		metrics: newMetrics(reg),

		mtx: &sync.RWMutex{},

		profilingDuration: cfg.ProfilingDuration,
		samplingFrequency: cfg.SamplingFrequency,

		store:   store,
		config:  config,
		handler: NewHandler(reg, config, store),

		targets:       targets,
		tableCapacity: cfg.TableCapacity,

		source:       source,
		builder:      builder,
		profileStore: profileStore,
	}, nil
}

func validateTargets(pids []int) error {
	if len(pids) > MaxTargets {
		return fmt.Errorf("%w: at most %d target processes are supported, got %d", errInvalidTarget, MaxTargets, len(pids))
	}
	for _, pid := range pids {
		if pid <= 0 {
			return fmt.Errorf("%w: pid %d", errInvalidTarget, pid)
		}
	}
	return nil
}

// SetTargetPIDs replaces the processes unwound with unwind tables. Targets
// that keep their slot keep their loaded table, new ones are loaded on the
// next refresh and use frame pointers until then.
func (p *CPU) SetTargetPIDs(pids []int) error {
	if err := validateTargets(pids); err != nil {
		return err
	}

	p.targetsMtx.Lock()
	defer p.targetsMtx.Unlock()

	targets := make([]*targetState, 0, len(pids))
	for slot := 0; slot < MaxTargets; slot++ {
		if slot < len(p.targets) && slot < len(pids) && p.targets[slot].pid == pids[slot] {
			targets = append(targets, p.targets[slot])
			continue
		}
		p.config.ClearTarget(slot)
		p.metrics.tableRows.WithLabelValues(strconv.Itoa(slot)).Set(0)
		if slot < len(pids) {
			targets = append(targets, &targetState{pid: pids[slot], table: unwind.NewTable(p.tableCapacity)})
		}
	}
	p.targets = targets

	level.Info(p.logger).Log("msg", "unwinder targets updated", "pids", fmt.Sprint(pids))
	return nil
}

// TargetPIDs returns the processes currently configured for unwind tables.
func (p *CPU) TargetPIDs() []int {
	p.targetsMtx.Lock()
	defer p.targetsMtx.Unlock()

	pids := make([]int, 0, len(p.targets))
	for _, t := range p.targets {
		pids = append(pids, t.pid)
	}
	return pids
}

func (p *CPU) Name() string {
	return profilerName
}

// Handler returns the handler sampling events are delivered to.
func (p *CPU) Handler() *Handler {
	return p.handler
}

func (p *CPU) LastProfileStartedAt() time.Time {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	return p.lastProfileStartedAt
}

func (p *CPU) LastError() error {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	return p.lastError
}

func (p *CPU) ProcessLastErrors() map[int]error {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	return p.processLastErrors
}

func (p *CPU) Run(ctx context.Context) error {
	level.Debug(p.logger).Log("msg", "starting cpu profiler", "frequency", p.samplingFrequency, "targets", fmt.Sprint(p.TargetPIDs()))

	p.mtx.Lock()
	p.lastProfileStartedAt = time.Now()
	p.mtx.Unlock()

	p.refreshTargets(ctx)

	g, ctx := errgroup.WithContext(ctx)
	if p.source != nil {
		g.Go(func() error {
			return p.source.Run(ctx, p.handler)
		})
	}
	g.Go(func() error {
		return p.loop(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *CPU) loop(ctx context.Context) error {
	samplingPeriod := int64(1e9 / p.samplingFrequency)

	ticker := time.NewTicker(p.profilingDuration)
	defer ticker.Stop()

	level.Debug(p.logger).Log("msg", "start profiling loop")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		p.refreshTargets(ctx)

		obtainStart := time.Now()
		var rawData profile.RawData
		err := p.store.Drain(func(gen *Generation) error {
			var err error
			rawData, err = p.obtainRawData(ctx, gen)
			return err
		})
		if err != nil {
			p.metrics.obtainAttempts.WithLabelValues(labelError).Inc()
			level.Warn(p.logger).Log("msg", "failed to obtain profiles from the aggregation store", "err", err)
			p.report(err, nil)
			continue
		}
		p.metrics.obtainAttempts.WithLabelValues(labelSuccess).Inc()
		p.metrics.obtainDuration.Observe(time.Since(obtainStart).Seconds())

		processLastErrors := map[int]error{}
		for _, perProcessRawData := range rawData {
			pid := int(perProcessRawData.PID)
			processLastErrors[pid] = nil

			var mappings unwind.ExecutableMappings
			if p.builder != nil {
				mappings, err = p.builder.MappingsForPID(pid)
				if err != nil {
					// The process may be gone, keep its samples unmapped.
					level.Debug(p.logger).Log("msg", "failed to read mappings", "pid", pid, "err", err)
				}
			}

			pprof, err := profiler.ConvertToPprof(p.LastProfileStartedAt(), samplingPeriod, perProcessRawData, mappings)
			if err != nil {
				level.Warn(p.logger).Log("msg", "failed to convert profile to pprof", "pid", pid, "err", err)
				processLastErrors[pid] = err
				continue
			}

			if p.profileStore == nil {
				continue
			}
			labelSet := profiler.Labels(p.Name(), perProcessRawData.PID)
			if err := p.profileStore.Store(ctx, labelSet, pprof); err != nil {
				level.Warn(p.logger).Log("msg", "failed to write profile", "pid", pid, "err", err)
				processLastErrors[pid] = err
				continue
			}
		}
		p.report(nil, processLastErrors)
	}
}

// refreshTargets (re)loads the unwind table of every target whose mappings
// changed since its table was built. A target whose table can't be built
// falls back to frame pointers.
func (p *CPU) refreshTargets(ctx context.Context) {
	if p.builder == nil {
		return
	}

	p.targetsMtx.Lock()
	defer p.targetsMtx.Unlock()

	for slot, t := range p.targets {
		if err := p.refreshTarget(ctx, slot, t); err != nil {
			level.Warn(p.logger).Log("msg", "failed to load unwind table", "pid", t.pid, "err", err)
			p.config.ClearTarget(slot)
			t.table.Reset()
			t.loaded = false
			p.metrics.tableRows.WithLabelValues(strconv.Itoa(slot)).Set(0)
		}
	}
}

func (p *CPU) refreshTarget(ctx context.Context, slot int, t *targetState) error {
	mappings, err := p.builder.MappingsForPID(t.pid)
	if err != nil {
		return err
	}
	if t.loaded && mappings.Hash() == t.mappingsHash {
		return nil
	}

	rows, mappings, err := p.builder.TableForPID(ctx, t.pid)
	if err != nil {
		return err
	}
	if err := t.table.Load(rows); err != nil {
		return err
	}
	if err := p.config.SetTarget(slot, uint32(t.pid), t.table); err != nil {
		return err
	}
	t.mappingsHash = mappings.Hash()
	t.loaded = true
	p.metrics.tableRows.WithLabelValues(strconv.Itoa(slot)).Set(float64(len(rows)))

	level.Info(p.logger).Log("msg", "loaded unwind table", "pid", t.pid, "slot", slot, "rows", len(rows))
	return nil
}

func (p *CPU) report(lastError error, processLastErrors map[int]error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if lastError == nil {
		p.lastSuccessfulProfileStartedAt = p.lastProfileStartedAt
		p.lastProfileStartedAt = time.Now()
	}
	p.lastError = lastError
	p.processLastErrors = processLastErrors
}

// combinedStack holds the user stack followed by the kernel stack, both
// terminated by the first zero address.
type combinedStack [unwind.MaxStackDepth * 2]uint64

func (p *CPU) readStack(gen *Generation, id int32, stack string, dst []uint64) error {
	var st unwind.StackTrace
	err := gen.Stacks.Lookup(id, &st)
	switch {
	case err == nil:
		p.metrics.readMapAttempts.WithLabelValues(stack, labelSuccess).Inc()
		copy(dst, st[:])
	case errors.Is(err, errUnwindFailed):
		p.metrics.readMapAttempts.WithLabelValues(stack, labelFailed).Inc()
	case errors.Is(err, errMissing):
		p.metrics.readMapAttempts.WithLabelValues(stack, labelMissing).Inc()
	default:
		p.metrics.readMapAttempts.WithLabelValues(stack, labelError).Inc()
	}
	return err
}

// obtainRawData resolves the stack ids of a retired generation and sums the
// counts per process and stack.
func (p *CPU) obtainRawData(ctx context.Context, gen *Generation) (profile.RawData, error) {
	rawData := map[profile.PID]map[combinedStack]uint64{}

	var err error
	gen.Counts.Range(func(key SampleKey, count uint64) bool {
		if err = ctx.Err(); err != nil {
			return false
		}

		stack := combinedStack{}
		userErr := p.readStack(gen, key.UserStackID, labelUser, stack[:unwind.MaxStackDepth])
		kernelErr := p.readStack(gen, key.KernelStackID, labelKernel, stack[unwind.MaxStackDepth:])
		if userErr != nil && kernelErr != nil {
			// Nothing is known about where this sample was taken.
			p.metrics.stackDrop.WithLabelValues(labelStackDropReasonNoStack).Inc()
			return true
		}

		pid := profile.PID(key.PID)
		perProcessData, ok := rawData[pid]
		if !ok {
			perProcessData = map[combinedStack]uint64{}
			rawData[pid] = perProcessData
		}
		perProcessData[stack] += count
		return true
	})
	if err != nil {
		return nil, err
	}

	return preprocessRawData(rawData), nil
}

// preprocessRawData splits the combined stacks into user and kernel stacks.
// The input is keyed by stack, so there are no duplicates to merge.
func preprocessRawData(rawData map[profile.PID]map[combinedStack]uint64) profile.RawData {
	res := make(profile.RawData, 0, len(rawData))
	for pid, perProcessRawData := range rawData {
		p := profile.ProcessRawData{
			PID:        pid,
			RawSamples: make([]profile.RawSample, 0, len(perProcessRawData)),
		}

		for stack, count := range perProcessRawData {
			stack := stack
			userStack := stack[:unwind.MaxStackDepth]
			kernelStack := stack[unwind.MaxStackDepth:]

			p.RawSamples = append(p.RawSamples, profile.RawSample{
				UserStack:   copyFrames(userStack),
				KernelStack: copyFrames(kernelStack),
				Value:       count,
			})
		}

		res = append(res, p)
	}

	return res
}

// copyFrames copies the frames up to the first zero address.
func copyFrames(frames []uint64) []uint64 {
	depth := 0
	for depth < len(frames) && frames[depth] != 0 {
		depth++
	}
	out := make([]uint64, depth)
	copy(out, frames[:depth])
	return out
}
