// Package workerpool fans independent sub-operations of one job out over a
// fixed number of goroutines.
package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxThreads bounds a pool when no size is configured.
const DefaultMaxThreads = 32

// Pool runs submitted functions with bounded concurrency. Go blocks once
// the bound is reached. After the first failure, functions that have not
// started yet are skipped; functions already running are left to finish
// and Wait returns the first error once they have.
type Pool struct {
	ctx    context.Context
	g      errgroup.Group
	failed atomic.Bool
}

// New returns a pool running at most maxThreads functions at once.
func New(ctx context.Context, maxThreads int) *Pool {
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	p := &Pool{ctx: ctx}
	p.g.SetLimit(maxThreads)
	return p
}

// Go submits fn. A panic in fn is converted into an error.
func (p *Pool) Go(fn func(ctx context.Context) error) {
	if p.failed.Load() {
		return
	}
	p.g.Go(func() (err error) {
		if p.failed.Load() {
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v\n%s", r, debug.Stack())
			}
			if err != nil {
				p.failed.Store(true)
			}
		}()
		return fn(p.ctx)
	})
}

// Wait blocks until every started function returned.
func (p *Pool) Wait() error {
	return p.g.Wait()
}

// Run creates a pool, lets submit queue work on it and waits for the result.
func Run(ctx context.Context, maxThreads int, submit func(p *Pool)) error {
	p := New(ctx, maxThreads)
	submit(p)
	return p.Wait()
}

// ForEach runs fn for every item through a pool of maxThreads.
func ForEach[T any](ctx context.Context, maxThreads int, items []T, fn func(ctx context.Context, item T) error) error {
	return Run(ctx, maxThreads, func(p *Pool) {
		for _, item := range items {
			p.Go(func(ctx context.Context) error { return fn(ctx, item) })
		}
	})
}
