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

package lru

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLRUEviction(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New[string, int](reg, 2)

	c.Add("a", 1)
	c.Add("b", 2)
	_, ok := c.Get("a")
	require.True(t, ok)

	// "b" is now the least recently used entry.
	c.Add("c", 3)
	require.Equal(t, 2, c.Len())

	_, ok = c.Peek("b")
	require.False(t, ok)
	v, ok := c.Peek("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	require.Equal(t, 1.0, testutil.ToFloat64(c.evictions))
	require.Equal(t, 1.0, testutil.ToFloat64(c.hits))
}

func TestLRUUpdateAndRemove(t *testing.T) {
	c := New[int, string](prometheus.NewRegistry(), 10)

	c.Add(1, "one")
	c.Add(1, "uno")
	v, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, "uno", v)

	c.Remove(1)
	_, ok = c.Get(1)
	require.False(t, ok)
	require.Equal(t, 1.0, testutil.ToFloat64(c.misses))
}

func TestLRUCloseUnregisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New[int, int](reg, 1)
	c.Add(1, 1)
	require.NoError(t, c.Close())
	require.Equal(t, 0, c.Len())

	// Registering again must not panic.
	c2 := New[int, int](reg, 1)
	require.NoError(t, c2.Close())
}

func TestLRUConcurrentAccess(t *testing.T) {
	c := New[int, int](prometheus.NewRegistry(), 16)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.Add(i%32, g)
				c.Get(i % 32)
			}
		}(g)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Len(), 16)
}
