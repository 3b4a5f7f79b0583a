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
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LRU is a size bounded cache that evicts the least recently used entry.
// It is safe for concurrent use.
type LRU[K comparable, V any] struct {
	hits, misses, evictions prometheus.Counter
	unregister              func() error

	mtx        sync.Mutex
	maxEntries int
	items      map[K]*entry[K, V]
	evictList  *lruList[K, V]
}

func New[K comparable, V any](reg prometheus.Registerer, maxEntries int) *LRU[K, V] {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "stackwalk_cache_requests_total",
		Help: "Total number of cache requests.",
	}, []string{"result"})
	evictions := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "stackwalk_cache_evictions_total",
		Help: "Total number of cache evictions.",
	})

	return &LRU[K, V]{
		hits:      requests.WithLabelValues("hit"),
		misses:    requests.WithLabelValues("miss"),
		evictions: evictions,
		// Unregistering lets a cache with the same name be created later on.
		unregister: func() error {
			if reg == nil {
				return nil
			}
			var err error
			if !reg.Unregister(requests) {
				err = errors.Join(err, errors.New("unregistering requests counter"))
			}
			if !reg.Unregister(evictions) {
				err = errors.Join(err, errors.New("unregistering evictions counter"))
			}
			return err
		},

		maxEntries: maxEntries,
		items:      map[K]*entry[K, V]{},
		evictList:  newList[K, V](),
	}
}

// Add adds or updates a value, evicting the oldest entry when full.
func (c *LRU[K, V]) Add(key K, value V) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if e, ok := c.items[key]; ok {
		c.evictList.moveToFront(e)
		e.value = value
		return
	}

	c.items[key] = c.evictList.pushFront(key, value)
	if c.maxEntries > 0 && c.evictList.length() > c.maxEntries {
		if oldest := c.evictList.back(); oldest != nil {
			c.removeElement(oldest)
			c.evictions.Inc()
		}
	}
}

// Get looks up a key and marks it as recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if e, ok := c.items[key]; ok {
		c.evictList.moveToFront(e)
		c.hits.Inc()
		return e.value, true
	}
	c.misses.Inc()
	var zero V
	return zero, false
}

// Peek looks up a key without updating its recency.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if e, ok := c.items[key]; ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

func (c *LRU[K, V]) Remove(key K) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if e, ok := c.items[key]; ok {
		c.removeElement(e)
	}
}

func (c *LRU[K, V]) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.evictList.length()
}

// Purge drops every entry.
func (c *LRU[K, V]) Purge() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	clear(c.items)
	c.evictList.init()
}

// Close purges the cache and unregisters its metrics.
func (c *LRU[K, V]) Close() error {
	c.Purge()
	return c.unregister()
}

func (c *LRU[K, V]) removeElement(e *entry[K, V]) {
	c.evictList.remove(e)
	delete(c.items, e.key)
}
