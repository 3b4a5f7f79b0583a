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

package ptrace

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sys/unix"
)

const (
	stageAttach    = "attach"
	stageRegisters = "registers"

	labelSuccess = "success"
	labelGone    = "gone"
	labelDenied  = "denied"
)

type sampleError struct {
	stage string
	err   error
}

func (e *sampleError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *sampleError) Unwrap() error { return e.err }

type metrics struct {
	samples             *prometheus.CounterVec
	samplesSuccess      prometheus.Counter
	attachRetries       prometheus.Counter
	stackSnapshotFailed prometheus.Counter
	threads             *prometheus.GaugeVec
	roundDuration       prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		samples: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackwalk_ptrace_samples_total",
				Help: "Total number of attempts to sample a thread by result.",
			},
			[]string{"result"},
		),
		attachRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stackwalk_ptrace_attach_retries_total",
			Help: "Total number of retried attaches to a busy thread.",
		}),
		stackSnapshotFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stackwalk_ptrace_stack_snapshot_failures_total",
			Help: "Total number of samples taken without a copy of the stack.",
		}),
		threads: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stackwalk_ptrace_threads",
				Help: "Number of threads of a sampled process.",
			},
			[]string{"pid"},
		),
		roundDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:                        "stackwalk_ptrace_round_duration_seconds",
			Help:                        "The duration it takes to sample every thread once.",
			NativeHistogramBucketFactor: 1.1,
		}),
	}
	m.samplesSuccess = m.samples.WithLabelValues(labelSuccess)
	return m
}

// result picks the counter a failed sample is recorded in.
func (m *metrics) result(err error) prometheus.Counter {
	switch {
	case errors.Is(err, unix.ESRCH), errors.Is(err, ErrUnexpectedStop):
		return m.samples.WithLabelValues(labelGone)
	case errors.Is(err, unix.EPERM):
		return m.samples.WithLabelValues(labelDenied)
	}

	var se *sampleError
	if errors.As(err, &se) {
		return m.samples.WithLabelValues(se.stage)
	}
	return m.samples.WithLabelValues("error")
}
