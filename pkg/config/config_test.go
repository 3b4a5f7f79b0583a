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

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		input   string
		want    *Config
		wantErr error
	}{
		{
			name:    "empty",
			input:   ``,
			wantErr: ErrEmptyConfig,
		},
		{
			name:  "comment",
			input: `# comment`,
			want:  &Config{},
		},
		{
			name: "targets",
			input: `unwinder:
  target_pids: [1234, 5678]
  table_capacity: 250000
`,
			want: &Config{
				Unwinder: UnwinderConfig{
					TargetPIDs:    []int{1234, 5678},
					TableCapacity: 250000,
				},
			},
		},
		{
			name: "aggregation",
			input: `aggregation:
  counts_map_size: 20480
  stack_traces_map_size: 2048
`,
			want: &Config{
				Aggregation: AggregationConfig{
					CountsMapSize:      20480,
					StackTracesMapSize: 2048,
				},
			},
		},
		{
			name: "too many targets",
			input: `unwinder:
  target_pids: [1, 2, 3]
`,
			wantErr: ErrTooManyTargets,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Load([]byte(tt.input))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	_, err := Load([]byte(`{`))
	require.Error(t, err)

	_, err = Load([]byte(`unwinder:
  target_pids: [0]
aggregation:
  counts_map_size: -1
`))
	require.ErrorContains(t, err, "invalid target pid 0")
	require.ErrorContains(t, err, "invalid counts map size -1")
}

func TestConfigString(t *testing.T) {
	t.Parallel()

	cfg := Config{Unwinder: UnwinderConfig{TargetPIDs: []int{42}}}
	require.Contains(t, cfg.String(), "target_pids")

	parsed, err := Load([]byte(cfg.String()))
	require.NoError(t, err)
	require.Equal(t, &cfg, parsed)
}
