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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/common/model"

	"github.com/parca-dev/stackwalk/pkg/profile"
)

// FileStore writes profiles to a local directory, one gzipped pprof file per
// process and window.
type FileStore struct {
	logger log.Logger
	dir    string
	// pool of gzip encoders helps to reduce GC pressure.
	pool sync.Pool
}

// NewFileStore creates a new FileStore.
func NewFileStore(logger log.Logger, dirPath string) *FileStore {
	return &FileStore{
		logger: logger,
		dir:    dirPath,
		pool: sync.Pool{New: func() interface{} {
			z, err := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			if err != nil {
				level.Error(logger).Log("msg", "failed to create gzip writer", "err", err)
				return nil
			}
			return z
		}},
	}
}

// Path returns the file a profile with labels is written to.
func (fs *FileStore) Path(labels model.LabelSet, t time.Time) string {
	name := fmt.Sprintf("%s_%s_%d.pb.gz", string(labels["pid"]), string(labels[model.MetricNameLabel]), t.UnixNano())
	return filepath.Join(fs.dir, name)
}

func (fs *FileStore) Store(_ context.Context, labels model.LabelSet, prof profile.Writer) error {
	if err := os.MkdirAll(fs.dir, 0o755); err != nil {
		return fmt.Errorf("could not use profile dir, %s: %w", fs.dir, err)
	}

	path := fs.Path(labels, time.Now())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return err
	}
	defer f.Close()

	zw, ok := fs.pool.Get().(*gzip.Writer)
	if !ok || zw == nil {
		return prof.Write(f)
	}
	defer fs.pool.Put(zw)

	zw.Reset(f)
	if err := prof.WriteUncompressed(zw); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	level.Debug(fs.logger).Log("msg", "profile written", "path", path)
	return f.Sync()
}
