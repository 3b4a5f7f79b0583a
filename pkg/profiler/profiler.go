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
	"context"
	"time"

	"github.com/prometheus/common/model"

	"github.com/parca-dev/stackwalk/pkg/profile"
)

// Profiler periodically turns aggregated samples into profiles.
type Profiler interface {
	Name() string
	Run(ctx context.Context) error

	LastProfileStartedAt() time.Time
	LastError() error
	ProcessLastErrors() map[int]error
}

// ProfileStore receives one profile per process and window.
type ProfileStore interface {
	Store(ctx context.Context, labels model.LabelSet, prof profile.Writer) error
}

// Labels returns the label set a profile of pid is stored with.
func Labels(name string, pid profile.PID) model.LabelSet {
	return model.LabelSet{
		model.MetricNameLabel: model.LabelValue(name),
		"pid":                 model.LabelValue(pid.String()),
	}
}
