package worker

import (
	"context"
	"sync"
)

// Pool bounds how many jobs run at once. Jobs are plain funcs; the pool owns no
// long-lived goroutines.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

func (p *Pool) Size() int { return cap(p.sem) }

// Submit waits for a free slot and runs fn in its own goroutine. It returns
// ctx.Err() if the context ends before a slot frees up.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.sem <- struct{}{}:
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn(ctx)
	}()
	return nil
}

// Wait blocks until every submitted job has returned.
func (p *Pool) Wait() { p.wg.Wait() }
