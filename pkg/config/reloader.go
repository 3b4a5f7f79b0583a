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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/stackwalk/pkg/hash"
)

// ComponentReloader applies a new configuration to one component.
type ComponentReloader struct {
	Name     string
	Reloader func(*Config) error
}

// ConfigReloader watches a configuration file and hands every new valid
// version of it to the registered components.
type ConfigReloader struct {
	logger    log.Logger
	filename  string
	watcher   *fsnotify.Watcher
	reloaders []ComponentReloader
	metrics   *reloaderMetrics

	lastHash uint64
}

type reloaderMetrics struct {
	reloads           *prometheus.CounterVec
	lastSuccessful    prometheus.Gauge
	lastSuccessfulSec prometheus.Gauge
}

func newReloaderMetrics(reg prometheus.Registerer) *reloaderMetrics {
	m := &reloaderMetrics{
		reloads: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "stackwalk_config_reloads_total",
			Help: "Total number of configuration reload attempts.",
		}, []string{"result"}),
		lastSuccessful: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stackwalk_config_last_reload_successful",
			Help: "Whether the last configuration reload attempt was successful.",
		}),
		lastSuccessfulSec: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stackwalk_config_last_reload_success_timestamp_seconds",
			Help: "Timestamp of the last successful configuration reload.",
		}),
	}
	m.reloads.WithLabelValues("success")
	m.reloads.WithLabelValues("failure")
	return m
}

// NewConfigReloader returns a reloader for filename. The file's directory is
// watched rather than the file itself so that replacing the file, or
// flipping a symlink to it, is noticed.
func NewConfigReloader(
	logger log.Logger,
	reg prometheus.Registerer,
	filename string,
	reloaders []ComponentReloader,
) (*ConfigReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	dirs := map[string]struct{}{filepath.Dir(filename): {}}
	if resolved, err := filepath.EvalSymlinks(filename); err == nil {
		dirs[filepath.Dir(resolved)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	r := &ConfigReloader{
		logger:    logger,
		filename:  filename,
		watcher:   watcher,
		reloaders: reloaders,
		metrics:   newReloaderMetrics(reg),
	}
	if content, err := os.ReadFile(filename); err == nil {
		r.lastHash = hash.Bytes(content)
	}
	return r, nil
}

// Run watches for changes until ctx is done.
func (r *ConfigReloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	level.Debug(r.logger).Log("msg", "starting config reloader", "file", r.filename)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			// Attribute changes don't change the content.
			if event.Op == fsnotify.Chmod {
				continue
			}
			r.reload(event)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			level.Warn(r.logger).Log("msg", "config watcher error", "err", err)
		}
	}
}

func (r *ConfigReloader) reload(event fsnotify.Event) {
	content, err := os.ReadFile(r.filename)
	if err != nil {
		// The file may be in the middle of being replaced.
		level.Debug(r.logger).Log("msg", "failed to read config file", "event", event.String(), "err", err)
		return
	}

	sum := hash.Bytes(content)
	if sum == r.lastHash {
		return
	}
	r.lastHash = sum

	cfg, err := Load(content)
	if err != nil {
		r.failed()
		level.Error(r.logger).Log("msg", "failed to load new config", "file", r.filename, "err", err)
		return
	}

	var errs []error
	for _, c := range r.reloaders {
		if err := c.Reloader(cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.failed()
		level.Error(r.logger).Log("msg", "failed to apply new config", "err", err)
		return
	}

	r.metrics.reloads.WithLabelValues("success").Inc()
	r.metrics.lastSuccessful.Set(1)
	r.metrics.lastSuccessfulSec.SetToCurrentTime()
	level.Info(r.logger).Log("msg", "config reloaded", "file", r.filename)
}

func (r *ConfigReloader) failed() {
	r.metrics.reloads.WithLabelValues("failure").Inc()
	r.metrics.lastSuccessful.Set(0)
}
