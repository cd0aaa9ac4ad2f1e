// Copyright 2026 loopsched Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cost

import (
	"runtime"
	"sync"
)

// pool is a persistent worker pool used to parallelize batch cost
// evaluation. The search itself is single threaded; scoring a frontier
// is the one place worth fanning out, and each worker writes only to
// its own slots, so results stay positional.
type pool struct {
	numWorkers int
	workC      chan poolItem
	closeOnce  sync.Once
}

type poolItem struct {
	fn      func()
	barrier *sync.WaitGroup
}

// newPool spawns the workers immediately; they persist until close.
func newPool(numWorkers int) *pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	p := &pool{
		numWorkers: numWorkers,
		workC:      make(chan poolItem, numWorkers*2),
	}
	for _i := 0; _i < numWorkers; _i++ {
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	for item := range p.workC {
		item.fn()
		item.barrier.Done()
	}
}

func (p *pool) close() {
	p.closeOnce.Do(func() { close(p.workC) })
}

// parallelFor executes fn over [0, n) in contiguous chunks, one per
// worker, and blocks until all chunks complete.
func (p *pool) parallelFor(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := min(p.numWorkers, n)
	if workers == 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		start := i * chunk
		end := min(start+chunk, n)
		if start >= end {
			wg.Done()
			continue
		}
		p.workC <- poolItem{
			fn:      func() { fn(start, end) },
			barrier: &wg,
		}
	}
	wg.Wait()
}
