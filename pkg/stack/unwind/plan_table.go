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

package unwind

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/stackwalk/pkg/buildid"
	"github.com/parca-dev/stackwalk/pkg/cache/lru"
)

var ErrUnsupportedArch = errors.New("unsupported architecture")

const (
	// DWARF register number of rsp, see fig. 3.36 of the x86_64 System V ABI.
	x86_64StackPointer = 7

	defaultCacheEntries  = 128
	defaultBuildParallel = 4
)

// objectTable is the unwind information of one object file at its link
// time addresses.
type objectTable struct {
	rows UnwindTable
	// relocatable is set for ET_DYN objects, which are shifted by their
	// load address.
	relocatable bool
	// firstLoad is the page aligned vaddr of the first PT_LOAD segment.
	firstLoad uint64
}

// PlanTableBuilder builds the merged unwind table of a process from the
// .eh_frame and .debug_frame sections of its executable mappings.
type PlanTableBuilder struct {
	logger      log.Logger
	fs          procfs.FS
	parallelism int

	objects *lru.LRU[string, *objectTable]
}

func NewPlanTableBuilder(logger log.Logger, reg prometheus.Registerer, fs procfs.FS) *PlanTableBuilder {
	return &PlanTableBuilder{
		logger:      logger,
		fs:          fs,
		parallelism: defaultBuildParallel,
		objects: lru.New[string, *objectTable](
			prometheus.WrapRegistererWith(prometheus.Labels{"cache": "unwind_object"}, reg),
			defaultCacheEntries,
		),
	}
}

// Close releases the object cache.
func (ptb *PlanTableBuilder) Close() error {
	return ptb.objects.Close()
}

// MappingsForPID returns the current executable mappings of pid.
func (ptb *PlanTableBuilder) MappingsForPID(pid int) (ExecutableMappings, error) {
	return MappingsForPID(ptb.fs, pid)
}

// TableForPID returns the merged, sorted table covering every executable
// mapping of pid along with the mappings it was built from. Objects that
// can't be read are skipped, their addresses stay uncovered.
func (ptb *PlanTableBuilder) TableForPID(ctx context.Context, pid int) (UnwindTable, ExecutableMappings, error) {
	mappings, err := MappingsForPID(ptb.fs, pid)
	if err != nil {
		return nil, nil, err
	}
	if len(mappings) == 0 {
		return nil, nil, fmt.Errorf("no executable mappings found for pid %d", pid)
	}

	parts := make([]UnwindTable, len(mappings))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ptb.parallelism)
	for i, m := range mappings {
		if !m.HasUnwindInfo() {
			continue
		}
		i, m := i, m
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			abs := path.Join(fmt.Sprintf("/proc/%d/root", pid), m.Executable)
			obj, err := ptb.objectTable(abs)
			if err != nil {
				level.Debug(ptb.logger).Log("msg", "failed to read unwind information", "obj", m.Executable, "err", err)
				return nil
			}
			parts[i] = relocate(obj, m)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var size int
	for _, p := range parts {
		size += len(p)
	}
	table := make(UnwindTable, 0, size)
	for _, p := range parts {
		table = append(table, p...)
	}
	table = table.Normalize()

	level.Debug(ptb.logger).Log(
		"msg", "built unwind table",
		"pid", pid,
		"mappings", len(mappings),
		"rows", len(table),
		"size", humanize.IBytes(uint64(len(table)*rowEncodedSize)),
	)
	return table, mappings, nil
}

// TableForExecutable returns the unwind table of a single object at its
// link time addresses.
func (ptb *PlanTableBuilder) TableForExecutable(path string) (UnwindTable, error) {
	obj, err := ptb.objectTable(path)
	if err != nil {
		return nil, err
	}
	out := make(UnwindTable, len(obj.rows))
	copy(out, obj.rows)
	return out, nil
}

// relocate shifts the rows of obj to where m placed them and drops rows that
// fall outside of the mapping.
func relocate(obj *objectTable, m *ExecutableMapping) UnwindTable {
	var bias uint64
	if obj.relocatable {
		bias = m.LoadAddr - obj.firstLoad
	}

	out := make(UnwindTable, 0, len(obj.rows))
	for _, row := range obj.rows {
		row.Loc += bias
		if row.Loc < m.StartAddr || row.Loc > m.EndAddr {
			continue
		}
		out = append(out, row)
	}
	return out
}

func (ptb *PlanTableBuilder) objectTable(path string) (*objectTable, error) {
	key, err := buildid.BuildID(path)
	if err != nil {
		return nil, fmt.Errorf("failed to identify %s: %w", path, err)
	}
	if obj, ok := ptb.objects.Get(key); ok {
		return obj, nil
	}

	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open elf: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, f.Machine)
	}

	fdes, err := ptb.readFDEs(f)
	if err != nil {
		return nil, err
	}

	rows := buildRows(ptb.logger, fdes, f.ByteOrder)
	if len(rows) == 0 {
		return nil, fmt.Errorf("no usable unwind rows in %s", path)
	}

	obj := &objectTable{
		rows:        rows,
		relocatable: f.Type == elf.ET_DYN,
		firstLoad:   firstLoadAddress(f),
	}
	ptb.objects.Add(key, obj)
	return obj, nil
}

func firstLoadAddress(f *elf.File) uint64 {
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			return p.Vaddr &^ (p.Align - 1)
		}
	}
	return 0
}

// readFDEs merges the entries of .eh_frame and .debug_frame. A missing or
// broken .debug_frame only costs coverage.
func (ptb *PlanTableBuilder) readFDEs(f *elf.File) (frame.FrameDescriptionEntries, error) {
	ehFrame, err := readFDEsFromSection(f, ".eh_frame")
	if err != nil && !errors.Is(err, ErrSectionNotFound) && !errors.Is(err, ErrNoFDEsFound) {
		return nil, err
	}

	debugFrame, err := readFDEsFromSection(f, ".debug_frame")
	if err != nil && !errors.Is(err, ErrSectionNotFound) && !errors.Is(err, ErrNoFDEsFound) {
		level.Debug(ptb.logger).Log("msg", "failed to parse .debug_frame", "err", err)
		debugFrame = nil
	}

	fdes := make(frame.FrameDescriptionEntries, 0, len(ehFrame)+len(debugFrame))
	fdes = append(fdes, ehFrame...)
	fdes = append(fdes, debugFrame...)
	if len(fdes) == 0 {
		return nil, ErrNoFDEsFound
	}
	return fdes, nil
}

func readFDEsFromSection(f *elf.File, section string) (fdes frame.FrameDescriptionEntries, err error) { //nolint:nonamedreturns
	sec := f.Section(section)
	if sec == nil {
		return nil, ErrSectionNotFound
	}

	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s section: %w", section, err)
	}

	ehFrameAddr := sec.Addr
	if section == ".debug_frame" {
		ehFrameAddr = 0
	}

	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			fdes, err = nil, fmt.Errorf("failed to parse %s: %v", section, r)
		}
	}()

	fdes, err = frame.Parse(data, f.ByteOrder, 0, pointerSize(f.Machine), ehFrameAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse frame data: %w", err)
	}
	if len(fdes) == 0 {
		return nil, ErrNoFDEsFound
	}
	return fdes, nil
}

// frameDescription is the part of an FDE the row builder needs.
type frameDescription interface {
	Begin() uint64
	End() uint64
	EstablishFrame(pc uint64) *frame.FrameContext
	// Locations returns the addresses where the rules may change, nil
	// when they have to be established at every address.
	Locations() []uint64
}

// buildRows emits a row whenever the recovery rules of a function change. A
// synthetic end marker is added after a function when the next one doesn't
// start right where it ends, plus one after the last function.
func buildRows(logger log.Logger, fdes frame.FrameDescriptionEntries, order binary.ByteOrder) UnwindTable {
	descs := make([]frameDescription, 0, len(fdes))
	for _, fde := range fdes {
		descs = append(descs, newFrameDescription(fde, order))
	}
	table, skipped := buildRowsFrom(descs)
	if skipped > 0 {
		level.Debug(logger).Log("msg", "skipped functions with malformed unwind programs", "count", skipped)
	}
	return table
}

// buildRowsFrom returns the rows of fdes and how many functions were left
// uncovered because their program couldn't be executed.
func buildRowsFrom(fdes []frameDescription) (UnwindTable, int) {
	sort.SliceStable(fdes, func(i, j int) bool { return fdes[i].Begin() < fdes[j].Begin() })

	var (
		table   = make(UnwindTable, 0, 4*len(fdes))
		lastEnd uint64
		skipped int
	)
	for _, fde := range fdes {
		begin, end := fde.Begin(), fde.End()
		if begin == 0 || begin >= end {
			continue
		}
		// Overlapping entries, usually the same function described by both
		// sections. The first one wins.
		if begin < lastEnd {
			continue
		}

		rows, err := functionRows(fde)
		if err != nil {
			skipped++
			continue
		}
		if lastEnd != 0 && begin != lastEnd {
			table = append(table, UnwindRow{Loc: lastEnd})
		}
		table = append(table, rows...)
		lastEnd = end
	}
	if lastEnd != 0 {
		table = append(table, UnwindRow{Loc: lastEnd})
	}
	return table, skipped
}

// functionRows returns the rows of a single function. The frame package
// panics on opcodes it doesn't support.
func functionRows(fde frameDescription) (rows UnwindTable, err error) { //nolint:nonamedreturns
	defer func() {
		if r := recover(); r != nil {
			rows, err = nil, fmt.Errorf("malformed unwind program: %v", r)
		}
	}()

	var prev UnwindRow
	emit := func(pc uint64) {
		row := rowFromContext(pc, fde.EstablishFrame(pc))
		if len(rows) > 0 && row.sameRules(prev) {
			return
		}
		rows = append(rows, row)
		prev = row
	}

	if locs := fde.Locations(); locs != nil {
		for _, pc := range locs {
			emit(pc)
		}
		return rows, nil
	}
	for pc := fde.Begin(); pc < fde.End(); pc++ {
		emit(pc)
	}
	return rows, nil
}

// rowFromContext maps DWARF rules onto the supported instructions. Only a
// CFA based on the stack pointer and a return address saved relative to the
// CFA can be expressed, everything else is undefined.
func rowFromContext(loc uint64, fc *frame.FrameContext) UnwindRow {
	row := UnwindRow{Loc: loc}
	if fc == nil {
		return row
	}

	//nolint:exhaustive
	switch fc.CFA.Rule {
	case frame.RuleCFA:
		if fc.CFA.Reg == x86_64StackPointer {
			row.CFA = Instruction{Op: OpSPOffset, Offset: fc.CFA.Offset}
		}
	}

	if rule, ok := fc.Regs[fc.RetAddrReg]; ok {
		//nolint:exhaustive
		switch rule.Rule {
		case frame.RuleOffset:
			row.RA = Instruction{Op: OpCFAOffset, Offset: rule.Offset}
		}
	}
	return row
}

func pointerSize(arch elf.Machine) int {
	//nolint:exhaustive
	switch arch {
	case elf.EM_386:
		return 4
	case elf.EM_AARCH64, elf.EM_X86_64:
		return 8
	default:
		return 0
	}
}

// PrintTable is a debugging helper that prints the unwind rows of every
// function of an executable. When pc is set, only the function containing
// it is printed.
func PrintTable(logger log.Logger, w io.Writer, executable string, pc *uint64) error {
	f, err := elf.Open(executable)
	if err != nil {
		return fmt.Errorf("failed to open elf: %w", err)
	}
	defer f.Close()

	ptb := &PlanTableBuilder{logger: logger}
	fdes, err := ptb.readFDEs(f)
	if err != nil {
		return err
	}
	sort.Slice(fdes, func(i, j int) bool { return fdes[i].Begin() < fdes[j].Begin() })

	for _, fde := range fdes {
		if pc != nil && (fde.Begin() > *pc || *pc >= fde.End()) {
			continue
		}
		rows, err := functionRows(newFrameDescription(fde, f.ByteOrder))
		if err != nil {
			level.Warn(logger).Log("msg", "skipping function", "start", fmt.Sprintf("%x", fde.Begin()), "err", err)
			continue
		}
		rows = append(rows, UnwindRow{Loc: fde.End()})

		if _, err := fmt.Fprintf(w, "=> Function start: %x, Function end: %x\n", fde.Begin(), fde.End()); err != nil {
			return err
		}
		if _, err := rows.WriteTo(w); err != nil {
			return err
		}
	}
	return nil
}
