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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/stackwalk/pkg/stack/unwind"
)

// Event is one sampling event of a task.
type Event struct {
	// PID is the process (thread group) id, TID the sampled thread.
	PID uint32
	TID uint32

	Regs unwind.Registers
	// Memory reads the task's memory, typically a copy of its stack.
	Memory unwind.MemoryReader
	// KernelStack holds kernel return addresses if the source collects them.
	KernelStack []uint64
}

type Result uint8

const (
	ResultIdle Result = iota
	ResultAggregated
	ResultDropped
)

func (r Result) String() string {
	switch r {
	case ResultIdle:
		return labelResultIdle
	case ResultAggregated:
		return labelResultAggregated
	default:
		return labelResultDropped
	}
}

// Handler turns sampling events into aggregated counts. Sample is safe to
// call from many goroutines at once, never blocks on other samplers and
// doesn't allocate once a key exists.
type Handler struct {
	config  *UnwinderConfig
	store   *AggregationStore
	metrics *handlerMetrics
}

func NewHandler(reg prometheus.Registerer, config *UnwinderConfig, store *AggregationStore) *Handler {
	return &Handler{
		config:  config,
		store:   store,
		metrics: newHandlerMetrics(reg),
	}
}

// Sample records ev. Failures never reach the caller, a stack that can't be
// walked or stored is recorded as absent and a sample that can't be counted
// is dropped.
func (h *Handler) Sample(ev *Event) Result {
	// The idle task.
	if ev.TID == 0 {
		h.metrics.idle.Inc()
		return ResultIdle
	}

	gen := h.store.Active()
	key := SampleKey{PID: ev.PID}

	var st unwind.StackTrace
	if walker, ok := h.config.Walker(ev.PID); ok {
		h.metrics.strategyTable.Inc()
		n, reason := walker.Walk(ev.Regs, ev.Memory, &st)
		h.metrics.unwindStop[reason].Inc()
		key.UserStackID = gen.Stacks.Intern(st[:n])
	} else {
		h.metrics.strategyFramePointer.Inc()
		n := unwind.WalkFramePointers(ev.Regs, ev.Memory, &st)
		key.UserStackID = gen.Stacks.Intern(st[:n])
	}
	key.KernelStackID = gen.Stacks.Intern(ev.KernelStack)

	if !gen.Counts.Increment(key) {
		h.metrics.dropped.Inc()
		return ResultDropped
	}
	h.metrics.aggregated.Inc()
	return ResultAggregated
}
