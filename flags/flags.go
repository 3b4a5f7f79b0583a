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

package flags

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	"github.com/parca-dev/stackwalk/pkg/config"
	"github.com/parca-dev/stackwalk/pkg/profiler/cpu"
	"github.com/parca-dev/stackwalk/pkg/ptrace"
	"github.com/parca-dev/stackwalk/pkg/stack/unwind"
)

var (
	version string
	commit  string
	date    string
)

const (
	// We sample at 19Hz (19 times per second) because it is a prime number,
	// and primes are good to avoid collisions with other things
	// that may be happening periodically on a machine.
	// In particular, 100 samples per second means every 10ms
	// which is a frequency that may very well be used by user code,
	// so a CPU profile could show a periodic workload on-CPU 100% of the time
	// which is misleading.
	defaultCPUSamplingFrequency = 19
	// Every sample stops the target's threads, keep the overhead bounded.
	maxCPUSamplingFrequency = 1000
)

type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	ExitParseError ExitCode = 2
)

func vars() kong.Vars {
	return kong.Vars{
		"default_cpu_sampling_frequency": strconv.Itoa(defaultCPUSamplingFrequency),
		"default_counts_map_size":        strconv.Itoa(cpu.DefaultCountsMapSize),
		"default_stack_traces_map_size":  strconv.Itoa(cpu.DefaultStackTracesMapSize),
		"default_table_capacity":         strconv.Itoa(unwind.DefaultTableCapacity),
		"default_stack_snapshot_size":    humanize.IBytes(ptrace.DefaultStackSnapshotSize),
		"version":                        Version(),
	}
}

func options() []kong.Option {
	return []kong.Option{
		kong.Name("stackwalk"),
		kong.Description("Sampling CPU profiler that walks user stacks with unwind tables."),
		kong.UsageOnError(),
		vars(),
	}
}

// Parse parses the command line, exiting on errors.
func Parse() (Flags, string) {
	flags := Flags{}
	ctx := kong.Parse(&flags, options()...)
	return flags, ctx.Command()
}

// ParseArgs parses args without exiting and returns the selected command.
func ParseArgs(args []string) (Flags, string, error) {
	flags := Flags{}
	parser, err := kong.New(&flags, options()...)
	if err != nil {
		return Flags{}, "", err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return Flags{}, "", err
	}
	return flags, ctx.Command(), nil
}

// Version returns the build information set at link time.
func Version() string {
	return fmt.Sprintf("stackwalk, version %s (commit: %s, date: %s)", version, commit, date)
}

type Flags struct {
	Log         FlagsLogs        `embed:""                 prefix:"log-"`
	HTTPAddress string           `default:"127.0.0.1:7071" help:"Address to bind HTTP server to."`
	Version     kong.VersionFlag `help:"Show application version."`

	ConfigPath string `default:"" help:"Path to config file. Unwinder targets are reloaded when it changes."`

	// pprof.
	MutexProfileFraction int `default:"0" help:"Fraction of mutex profile samples to collect."`
	BlockProfileRate     int `default:"0" help:"Sample rate for block profile."`

	Profile CmdProfile `cmd:"" help:"Sample processes and write a pprof profile per process and round."`
	Table   CmdTable   `cmd:"" help:"Build and print the unwind table of an executable."`
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// CmdProfile samples processes with ptrace.
type CmdProfile struct {
	Pids []int `help:"Processes to sample." required:""`

	Profiling   FlagsProfiling   `embed:"" prefix:"profiling-"`
	Unwinder    FlagsUnwinder    `embed:"" prefix:"unwinder-"`
	Aggregation FlagsAggregation `embed:"" prefix:"aggregation-"`
	Ptrace      FlagsPtrace      `embed:"" prefix:"ptrace-"`
	LocalStore  FlagsLocalStore  `embed:"" prefix:"local-store-"`
}

// FlagsProfiling provides profiling configuration flags.
type FlagsProfiling struct {
	Duration             time.Duration `default:"10s"                               help:"How long samples are aggregated before a profile is written."`
	CPUSamplingFrequency int           `default:"${default_cpu_sampling_frequency}" help:"The frequency at which profiling data is collected, e.g., 19 samples per second."`
}

// FlagsUnwinder provides unwind table configuration flags.
type FlagsUnwinder struct {
	TargetPids    []int  `help:"Sampled processes whose user stacks are walked with unwind tables instead of frame pointers. At most 2."`
	TableCapacity int    `default:"${default_table_capacity}" help:"Maximum number of rows of a target's unwind table."`
	TableFile     string `help:"Load the unwind table of the first target from this file instead of building it. The file is written by the table command."`
}

// FlagsAggregation provides sample aggregation flags.
type FlagsAggregation struct {
	CountsMapSize      int `default:"${default_counts_map_size}"       help:"Maximum number of distinct samples per profiling round. Samples beyond it are dropped."`
	StackTracesMapSize int `default:"${default_stack_traces_map_size}" help:"Number of stack slots per profiling round."`
}

// FlagsPtrace provides flags of the ptrace sampler.
type FlagsPtrace struct {
	StackSnapshotSize string `default:"${default_stack_snapshot_size}" help:"How much of each thread's stack is copied per sample."`
	Workers           int    `default:"0"                              help:"Goroutines walking the stacks of a round. 0 uses GOMAXPROCS."`
}

// FlagsLocalStore provides local store configuration flags.
type FlagsLocalStore struct {
	Directory string `default:"stackwalk-profiles" help:"The local directory to store the profiling data."`
}

func (c *CmdProfile) Validate() error {
	var errs []error
	if c.Profiling.Duration <= 0 {
		errs = append(errs, errors.New("profiling duration must be positive"))
	}
	if f := c.Profiling.CPUSamplingFrequency; f <= 0 || f > maxCPUSamplingFrequency {
		errs = append(errs, fmt.Errorf("cpu sampling frequency %d out of range (1-%d)", f, maxCPUSamplingFrequency))
	}

	for _, pid := range c.Pids {
		if pid <= 0 {
			errs = append(errs, fmt.Errorf("invalid pid %d", pid))
		}
	}
	if err := c.CheckTargets(c.Unwinder.TargetPids); err != nil {
		errs = append(errs, err)
	}
	if c.Unwinder.TableFile != "" && len(c.Unwinder.TargetPids) == 0 {
		errs = append(errs, errors.New("a table file needs an unwinder target"))
	}
	if n := c.Unwinder.TableCapacity; n <= 0 || n > unwind.MaxTableEntries {
		errs = append(errs, fmt.Errorf("table capacity %d out of range (1-%d)", n, unwind.MaxTableEntries))
	}

	if c.Aggregation.CountsMapSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid counts map size %d", c.Aggregation.CountsMapSize))
	}
	if c.Aggregation.StackTracesMapSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid stack traces map size %d", c.Aggregation.StackTracesMapSize))
	}
	if _, err := humanize.ParseBytes(c.Ptrace.StackSnapshotSize); err != nil {
		errs = append(errs, fmt.Errorf("invalid stack snapshot size: %w", err))
	}
	if c.LocalStore.Directory == "" {
		errs = append(errs, errors.New("local store directory must be set"))
	}
	return errors.Join(errs...)
}

// StackSnapshotBytes returns the validated stack snapshot size.
// CheckTargets reports unwinder targets that can't be served: too many of
// them or processes that aren't sampled.
func (c *CmdProfile) CheckTargets(pids []int) error {
	var errs []error
	if n := len(pids); n > cpu.MaxTargets {
		errs = append(errs, fmt.Errorf("at most %d unwinder targets are supported, got %d", cpu.MaxTargets, n))
	}
	for _, pid := range pids {
		if !slices.Contains(c.Pids, pid) {
			errs = append(errs, fmt.Errorf("unwinder target %d is not sampled", pid))
		}
	}
	return errors.Join(errs...)
}

func (c *CmdProfile) StackSnapshotBytes() int {
	n, err := humanize.ParseBytes(c.Ptrace.StackSnapshotSize)
	if err != nil {
		return ptrace.DefaultStackSnapshotSize
	}
	return int(n)
}

// ApplyConfig overrides flags with the values set in cfg.
func (c *CmdProfile) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if len(cfg.Unwinder.TargetPIDs) > 0 {
		c.Unwinder.TargetPids = cfg.Unwinder.TargetPIDs
	}
	if cfg.Unwinder.TableCapacity > 0 {
		c.Unwinder.TableCapacity = cfg.Unwinder.TableCapacity
	}
	if cfg.Aggregation.CountsMapSize > 0 {
		c.Aggregation.CountsMapSize = cfg.Aggregation.CountsMapSize
	}
	if cfg.Aggregation.StackTracesMapSize > 0 {
		c.Aggregation.StackTracesMapSize = cfg.Aggregation.StackTracesMapSize
	}
}

// CmdTable builds the unwind table of an executable without profiling.
type CmdTable struct {
	Executable string `arg:""  help:"Executable or shared library to read .eh_frame from." type:"existingfile"`
	PC         string `help:"Only print the row covering this program counter, e.g. 0x401000."`
	Output     string `help:"Write the table in its binary encoding to this file instead of printing it."`
}

func (c *CmdTable) Validate() error {
	if c.PC == "" {
		return nil
	}
	if _, err := strconv.ParseUint(c.PC, 0, 64); err != nil {
		return fmt.Errorf("invalid program counter %q: %w", c.PC, err)
	}
	return nil
}

// ProgramCounter returns the program counter to look up, if one was given.
func (c *CmdTable) ProgramCounter() (uint64, bool) {
	if c.PC == "" {
		return 0, false
	}
	pc, err := strconv.ParseUint(c.PC, 0, 64)
	if err != nil {
		return 0, false
	}
	return pc, true
}
