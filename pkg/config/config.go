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
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyConfig    = errors.New("empty config")
	ErrTooManyTargets = errors.New("too many unwinder targets")
)

// MaxUnwinderTargets is how many processes can be unwound with unwind
// tables at the same time.
const MaxUnwinderTargets = 2

// Config holds the configuration that can change while the profiler runs.
type Config struct {
	Unwinder    UnwinderConfig    `yaml:"unwinder,omitempty"`
	Aggregation AggregationConfig `yaml:"aggregation,omitempty"`
}

type UnwinderConfig struct {
	// TargetPIDs are walked with unwind tables instead of frame pointers.
	TargetPIDs    []int `yaml:"target_pids,omitempty"`
	TableCapacity int   `yaml:"table_capacity,omitempty"`
}

type AggregationConfig struct {
	CountsMapSize      int `yaml:"counts_map_size,omitempty"`
	StackTracesMapSize int `yaml:"stack_traces_map_size,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

func (c Config) Validate() error {
	var errs []error
	if n := len(c.Unwinder.TargetPIDs); n > MaxUnwinderTargets {
		errs = append(errs, fmt.Errorf("%w: %d, at most %d", ErrTooManyTargets, n, MaxUnwinderTargets))
	}
	for _, pid := range c.Unwinder.TargetPIDs {
		if pid <= 0 {
			errs = append(errs, fmt.Errorf("invalid target pid %d", pid))
		}
	}
	if c.Unwinder.TableCapacity < 0 {
		errs = append(errs, fmt.Errorf("invalid table capacity %d", c.Unwinder.TableCapacity))
	}
	if c.Aggregation.CountsMapSize < 0 {
		errs = append(errs, fmt.Errorf("invalid counts map size %d", c.Aggregation.CountsMapSize))
	}
	if c.Aggregation.StackTracesMapSize < 0 {
		errs = append(errs, fmt.Errorf("invalid stack traces map size %d", c.Aggregation.StackTracesMapSize))
	}
	return errors.Join(errs...)
}

// Load parses the YAML input b into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
