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
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/stackwalk/pkg/hash"
	"github.com/parca-dev/stackwalk/pkg/profiler/cpu"
	"github.com/parca-dev/stackwalk/pkg/stack/unwind"
)

func loadTableFile(logger log.Logger, path string) (unwind.UnwindTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read unwind table: %w", err)
	}
	rows, err := unwind.UnmarshalUnwindTable(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode unwind table %s: %w", path, err)
	}
	level.Info(logger).Log("msg", "loaded unwind table file", "file", path, "rows", len(rows), "digest", fmt.Sprintf("%016x", hash.Bytes(data)))
	return rows, nil
}

// fileTableBuilder serves a prebuilt table for one process. The rows are
// used as they are, so they must already be at the process' runtime
// addresses, as is the case for non-relocatable executables.
type fileTableBuilder struct {
	cpu.TableBuilder

	pid  int
	rows unwind.UnwindTable
}

func (b *fileTableBuilder) TableForPID(ctx context.Context, pid int) (unwind.UnwindTable, unwind.ExecutableMappings, error) {
	if pid != b.pid {
		return b.TableBuilder.TableForPID(ctx, pid)
	}
	mappings, err := b.MappingsForPID(pid)
	if err != nil {
		return nil, nil, err
	}
	return b.rows, mappings, nil
}
