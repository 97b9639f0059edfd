// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package engine

import (
	"fmt"
	"runtime"

	"github.com/pbnjay/memory"
)

// Parallelize runs work(i, threadID) for i in [0,n) across a bounded pool
// of goroutines using a semaphore-channel worker pool. The semaphore
// here carries a reusable threadID token rather than a bare bool, since
// every ray-trace/overlap call needs a thread-id hint for per-worker
// scratch. Coordinator uses it for ImageGrid ray tracing, one BuildCell
// per image cell; L-row construction, PSF convolution and R accumulation
// run serially.
func Parallelize(n, maxThreads int, work func(i, threadID int) error) error {
	if n <= 0 {
		return nil
	}
	if maxThreads <= 0 {
		maxThreads = runtime.GOMAXPROCS(0)
	}
	if maxThreads > n {
		maxThreads = n
	}

	sem := make(chan int, maxThreads)
	for t := 0; t < maxThreads; t++ {
		sem <- t
	}
	res := make(chan error, n)
	for i := 0; i < n; i++ {
		threadID := <-sem
		go func(i, threadID int) {
			defer func() { sem <- threadID }()
			res <- work(i, threadID)
		}(i, threadID)
	}

	var err error
	for i := 0; i < n; i++ {
		if r := <-res; r != nil {
			if err == nil {
				err = r
			} else {
				err = fmt.Errorf("multiple errors: %s, %s", err.Error(), r.Error())
			}
		}
	}
	return err
}

// overlapScratchBytesPerLeaf estimates the per-candidate-leaf scratch a
// worker holds during overlap accumulation: two triangles, a rectangle
// and two area slots, plus slice bookkeeping.
const overlapScratchBytesPerLeaf = 192

// poolWidth resolves the worker-pool width for a reconstruction: an
// explicit MaxThreads wins, otherwise DefaultMaxThreads caps the CPU
// count by the per-worker overlap scratch a fully refined source grid
// would need (batch buffers sized to the worst-case leaf count).
func (c *Config) poolWidth() int {
	if c.MaxThreads > 0 {
		return c.MaxThreads
	}
	leaves := int64(c.Nu0 * c.Nw0)
	nu, nw := c.adaptiveSplitNuNw()
	for l := 1; l < c.MaxLevels; l++ {
		leaves *= int64(nu * nw)
	}
	return DefaultMaxThreads(leaves * overlapScratchBytesPerLeaf)
}

// DefaultMaxThreads sizes the worker pool to the host's CPU count, capped
// so that per-worker scratch (geometry predicate buffers, corner arrays)
// stays within a conservative fraction of available RAM, queried via
// github.com/pbnjay/memory.
func DefaultMaxThreads(scratchBytesPerThread int64) int {
	n := runtime.GOMAXPROCS(0)
	if scratchBytesPerThread <= 0 {
		return n
	}
	avail := int64(memory.TotalMemory())
	budget := avail / 4 // leave headroom for the CSR arrays themselves
	fits := int(budget / scratchBytesPerThread)
	if fits < 1 {
		fits = 1
	}
	if fits < n {
		return fits
	}
	return n
}
