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

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/procfs"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/stackwalk/byteorder"
	"github.com/parca-dev/stackwalk/flags"
	"github.com/parca-dev/stackwalk/pkg/config"
	"github.com/parca-dev/stackwalk/pkg/hash"
	"github.com/parca-dev/stackwalk/pkg/kernel"
	"github.com/parca-dev/stackwalk/pkg/logger"
	"github.com/parca-dev/stackwalk/pkg/profiler"
	"github.com/parca-dev/stackwalk/pkg/profiler/cpu"
	"github.com/parca-dev/stackwalk/pkg/ptrace"
	"github.com/parca-dev/stackwalk/pkg/stack/unwind"
)

func main() {
	f, cmd := flags.Parse()

	logger := logger.NewLogger(f.Log.Level, f.Log.Format, "stackwalk")

	if byteorder.GetHostByteOrder() == binary.BigEndian {
		level.Error(logger).Log("msg", "big endian CPUs are not supported")
		os.Exit(int(flags.ExitFailure))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var err error
	switch cmd {
	case "table <executable>":
		err = runTable(logger, reg, f.Table)
	default:
		err = runProfile(logger, reg, f)
	}
	if err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(int(flags.ExitFailure))
	}
}

func runTable(logger log.Logger, reg prometheus.Registerer, cmd flags.CmdTable) error {
	if cmd.Output == "" {
		var pc *uint64
		if v, ok := cmd.ProgramCounter(); ok {
			pc = &v
		}
		return unwind.PrintTable(logger, os.Stdout, cmd.Executable, pc)
	}

	ptb := unwind.NewPlanTableBuilder(logger, reg, procfs.FS{})
	defer ptb.Close()

	rows, err := ptb.TableForExecutable(cmd.Executable)
	if err != nil {
		return err
	}
	data, err := rows.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(cmd.Output, data, 0o644); err != nil {
		return fmt.Errorf("failed to write unwind table: %w", err)
	}
	exeDigest, err := hash.File(cmd.Executable)
	if err != nil {
		return err
	}
	level.Info(logger).Log(
		"msg", "wrote unwind table",
		"executable", cmd.Executable,
		"executable_digest", fmt.Sprintf("%016x", exeDigest),
		"file", cmd.Output,
		"rows", len(rows),
		"size", humanize.IBytes(uint64(len(data))),
		"digest", fmt.Sprintf("%016x", hash.Bytes(data)),
	)
	return nil
}

func runProfile(logger log.Logger, reg *prometheus.Registry, f flags.Flags) error {
	release, err := kernel.GetRelease()
	if err != nil {
		return fmt.Errorf("failed to detect kernel version: %w", err)
	}
	if err := kernel.CheckSupported(release); err != nil {
		return err
	}
	machine, err := kernel.Machine()
	if err != nil {
		return fmt.Errorf("failed to detect machine: %w", err)
	}
	level.Info(logger).Log("msg", "starting stackwalk", "kernel", release.String(), "machine", machine, "version", flags.Version())
	if runtime.GOARCH != "amd64" {
		level.Warn(logger).Log("msg", "only frame pointer unwinding is available on this architecture", "arch", runtime.GOARCH)
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}
	runtime.SetMutexProfileFraction(f.MutexProfileFraction)
	runtime.SetBlockProfileRate(f.BlockProfileRate)

	p := f.Profile
	if f.ConfigPath != "" {
		cfg, err := config.LoadFile(f.ConfigPath)
		if err != nil && !errors.Is(err, config.ErrEmptyConfig) {
			return fmt.Errorf("failed to read config: %w", err)
		}
		p.ApplyConfig(cfg)
		if err := p.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return fmt.Errorf("failed to open procfs: %w", err)
	}

	ptb := unwind.NewPlanTableBuilder(logger, reg, fs)
	defer ptb.Close()

	var builder cpu.TableBuilder = ptb
	if p.Unwinder.TableFile != "" {
		rows, err := loadTableFile(logger, p.Unwinder.TableFile)
		if err != nil {
			return err
		}
		builder = &fileTableBuilder{TableBuilder: ptb, pid: p.Unwinder.TargetPids[0], rows: rows}
	}

	sampler, err := ptrace.NewSampler(
		logger, reg, fs, p.Pids, uint64(p.Profiling.CPUSamplingFrequency),
		ptrace.WithStackSnapshotSize(p.StackSnapshotBytes()),
		ptrace.WithWorkers(p.Ptrace.Workers),
	)
	if err != nil {
		return err
	}

	store := profiler.NewFileStore(logger, p.LocalStore.Directory)
	level.Info(logger).Log("msg", "local profile storage is enabled", "dir", p.LocalStore.Directory)

	cpuProfiler, err := cpu.NewCPUProfiler(logger, reg, cpu.Config{
		ProfilingDuration:  p.Profiling.Duration,
		SamplingFrequency:  uint64(p.Profiling.CPUSamplingFrequency),
		CountsMapSize:      p.Aggregation.CountsMapSize,
		StackTracesMapSize: p.Aggregation.StackTracesMapSize,
		TableCapacity:      p.Unwinder.TableCapacity,
		TargetPIDs:         p.Unwinder.TargetPids,
	}, sampler, builder, store)
	if err != nil {
		return err
	}

	var (
		ctx = context.Background()
		g   okrun.Group
	)

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: cpu profiler", "pids", fmt.Sprint(p.Pids))
			defer level.Debug(logger).Log("msg", "stopped: cpu profiler")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "cpu_profiler"), func(ctx context.Context) {
				err = cpuProfiler.Run(ctx)
			})
			return err
		}, func(error) {
			cancel()
		})
	}

	// Run group for http server.
	{
		srv := &http.Server{
			Addr:         f.HTTPAddress,
			Handler:      newMux(reg, cpuProfiler),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute,
		}

		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: http server", "address", f.HTTPAddress)
			defer level.Debug(logger).Log("msg", "stopped: http server")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "http_server"), func(_ context.Context) {
				err = srv.ListenAndServe()
			})
			return err
		}, func(error) {
			srv.Close()
		})
	}

	if f.ConfigPath != "" {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		reloaders := []config.ComponentReloader{unwinderReloader(&p, cpuProfiler)}

		cfgReloader, err := config.NewConfigReloader(logger, reg, f.ConfigPath, reloaders)
		if err != nil {
			level.Error(logger).Log("msg", "failed to instantiate config file reloader", "err", err)
			return err
		}

		g.Add(
			func() error {
				level.Debug(logger).Log("msg", "starting: config file reloader")
				defer level.Debug(logger).Log("msg", "stopped: config file reloader")

				var err error
				runtimepprof.Do(ctx, runtimepprof.Labels("component", "config_file_reloader"), func(_ context.Context) {
					err = cfgReloader.Run(ctx)
				})
				return err
			},
			func(error) {
				cancel()
			},
		)
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, os.Kill))
	return g.Run()
}

// unwinderReloader applies reloaded unwinder targets. Only processes given
// on the command line can be targeted, the sampled set is fixed at startup.
func unwinderReloader(p *flags.CmdProfile, c *cpu.CPU) config.ComponentReloader {
	return config.ComponentReloader{
		Name: "unwinder",
		Reloader: func(cfg *config.Config) error {
			if err := p.CheckTargets(cfg.Unwinder.TargetPIDs); err != nil {
				return err
			}
			return c.SetTargetPIDs(cfg.Unwinder.TargetPIDs)
		},
	}
}

func newMux(reg *prometheus.Registry, p *cpu.CPU) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "profiler: %s\n", p.Name())
		fmt.Fprintf(w, "unwinder targets: %v\n", p.TargetPIDs())
		fmt.Fprintf(w, "last profile started at: %s\n", p.LastProfileStartedAt().Format(time.RFC3339))
		if err := p.LastError(); err != nil {
			fmt.Fprintf(w, "last error: %v\n", err)
		}
		for pid, err := range p.ProcessLastErrors() {
			if err != nil {
				fmt.Fprintf(w, "pid %d: %v\n", pid, err)
			}
		}
	})
	return mux
}
