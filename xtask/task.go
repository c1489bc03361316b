// Package xtask runs a fixed set of functions to completion in parallel,
// returning the first error encountered, or nil once they all succeed.
package xtask

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Run executes tasks concurrently and waits for all of them. It returns the
// first non-nil error any task returns, or ctx's error if ctx is canceled
// first. Tasks already running are let run to completion; a task whose
// goroutine starts after ctx is done (canceled by the caller or by an
// earlier task's error) does not run and reports ctx's error.
func Run(ctx context.Context, tasks ...func() error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return t()
		})
	}
	return g.Wait()
}

// OnSuccess returns a func() error that runs g only after f succeeds,
// propagating f's error otherwise. Useful for sequencing a shutdown step
// after a drain step inside a Run call.
func OnSuccess(f func() error, g func() error) func() error {
	return func() error {
		if err := f(); err != nil {
			return err
		}
		return g()
	}
}
