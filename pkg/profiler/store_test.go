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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	pprofprofile "github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/stackwalk/pkg/profile"
)

func TestFileStoreWritesGzippedProfile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profiles")
	fs := NewFileStore(log.NewNopLogger(), dir)

	prof, err := ConvertToPprof(time.Now(), 1e7, profile.ProcessRawData{
		PID: 42,
		RawSamples: []profile.RawSample{
			{UserStack: []uint64{0x1010}, Value: 5},
		},
	}, nil)
	require.NoError(t, err)

	require.NoError(t, fs.Store(context.Background(), Labels("cpu", 42), prof))

	matches, err := filepath.Glob(filepath.Join(dir, "42_cpu_*.pb.gz"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	got, err := pprofprofile.Parse(f)
	require.NoError(t, err)
	require.Len(t, got.Sample, 1)
	require.Equal(t, []int64{5}, got.Sample[0].Value)
	require.Equal(t, uint64(0x1010), got.Sample[0].Location[0].Address)
}
