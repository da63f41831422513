// Package workerspool caps how many goroutines run a batch of independent
// tasks at once.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool runs submitted tasks on at most a fixed number of goroutines at a
// time. Construct with New; the zero value has no capacity.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// New returns a pool that runs at most maxParallelism tasks concurrently.
// Zero or negative selects runtime.NumCPU().
func New(maxParallelism int) *Pool {
	if maxParallelism <= 0 {
		maxParallelism = runtime.NumCPU()
	}
	return &Pool{sem: make(chan struct{}, maxParallelism)}
}

// MaxParallelism returns the pool's concurrency cap.
func (p *Pool) MaxParallelism() int { return cap(p.sem) }

// Go runs task on a pool goroutine, blocking the caller while the pool is
// saturated.
func (p *Pool) Go(task func()) {
	p.wg.Add(1)
	p.sem <- struct{}{}
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		task()
	}()
}

// Wait blocks until every task submitted so far has returned.
func (p *Pool) Wait() { p.wg.Wait() }
