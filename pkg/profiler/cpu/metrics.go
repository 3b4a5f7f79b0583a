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
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/stackwalk/pkg/stack/unwind"
)

const (
	labelUser    = "user"
	labelKernel  = "kernel"
	labelError   = "error"
	labelMissing = "missing"
	labelFailed  = "failed"
	labelSuccess = "success"

	labelResultAggregated = "aggregated"
	labelResultDropped    = "dropped"
	labelResultIdle       = "idle"

	labelStrategyTable        = "unwind_table"
	labelStrategyFramePointer = "frame_pointer"

	labelStackDropReasonNoStack = "no_stack"
)

type metrics struct {
	// profile level
	obtainAttempts *prometheus.CounterVec
	obtainDuration prometheus.Histogram

	// stack level
	stackDrop       *prometheus.CounterVec
	readMapAttempts *prometheus.CounterVec

	tableRows *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		obtainAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "stackwalk_profiler_attempts_total",
				Help:        "Total number of attempts to obtain a profile.",
				ConstLabels: map[string]string{"type": "cpu"},
			},
			[]string{"status"},
		),
		obtainDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:                        "stackwalk_profiler_attempt_duration_seconds",
				Help:                        "The duration it takes to drain the aggregated samples.",
				ConstLabels:                 map[string]string{"type": "cpu"},
				NativeHistogramBucketFactor: 1.1,
			},
		),
		stackDrop: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "stackwalk_profiler_stack_drop_total",
				Help:        "Total number of stacks dropped from the profile.",
				ConstLabels: map[string]string{"type": "cpu"},
			},
			[]string{"reason"},
		),
		readMapAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "stackwalk_profiler_map_read_attempts_total",
				Help:        "Number of attempts to read from the stack trace pool.",
				ConstLabels: map[string]string{"type": "cpu"},
			},
			[]string{"stack", "status"},
		),
		tableRows: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stackwalk_unwind_table_rows",
				Help: "Rows loaded in the unwind table of a target process.",
			},
			[]string{"slot"},
		),
	}
	m.obtainAttempts.WithLabelValues(labelSuccess)
	m.obtainAttempts.WithLabelValues(labelError)

	m.stackDrop.WithLabelValues(labelStackDropReasonNoStack)

	for _, stack := range []string{labelUser, labelKernel} {
		for _, status := range []string{labelSuccess, labelError, labelMissing, labelFailed} {
			m.readMapAttempts.WithLabelValues(stack, status)
		}
	}
	return m
}

// handlerMetrics are bumped from the sampling path. Label values are
// resolved up front so an update is a single atomic add.
type handlerMetrics struct {
	aggregated prometheus.Counter
	dropped    prometheus.Counter
	idle       prometheus.Counter

	strategyTable        prometheus.Counter
	strategyFramePointer prometheus.Counter

	unwindStop [unwind.StopMaxDepth + 1]prometheus.Counter
}

func newHandlerMetrics(reg prometheus.Registerer) *handlerMetrics {
	samples := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackwalk_samples_total",
			Help: "Total number of sampling events by outcome.",
		},
		[]string{"result"},
	)
	strategy := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackwalk_samples_strategy_total",
			Help: "Total number of user stacks walked by strategy.",
		},
		[]string{"strategy"},
	)
	stops := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackwalk_unwind_stop_total",
			Help: "Total number of unwind table walks by the reason they stopped.",
		},
		[]string{"reason"},
	)

	m := &handlerMetrics{
		aggregated:           samples.WithLabelValues(labelResultAggregated),
		dropped:              samples.WithLabelValues(labelResultDropped),
		idle:                 samples.WithLabelValues(labelResultIdle),
		strategyTable:        strategy.WithLabelValues(labelStrategyTable),
		strategyFramePointer: strategy.WithLabelValues(labelStrategyFramePointer),
	}
	for r := range m.unwindStop {
		m.unwindStop[r] = stops.WithLabelValues(unwind.StopReason(r).String())
	}
	return m
}
