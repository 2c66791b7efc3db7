// Package dedup collapses concurrent requests for the same key into a
// single execution whose outcome every requester receives.
package dedup

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Role tells a caller whether it ran the work or waited for it.
type Role int

const (
	// Leader ran the work.
	Leader Role = iota
	// Follower received the leader's outcome.
	Follower
)

// String returns the string representation of the role
func (r Role) String() string {
	if r == Leader {
		return "leader"
	}
	return "follower"
}

// Group runs at most one function per key at a time.
type Group[T any] struct {
	sf       singleflight.Group
	inflight atomic.Int64
}

// Do runs fn for key unless a run for key is already in flight, in which
// case it waits for that run and returns its outcome.
//
// fn receives a context detached from the caller's cancellation, so a
// leader whose caller gives up still finishes for the followers. A caller
// whose ctx ends stops waiting and gets ctx.Err(); the run continues.
// The key is forgotten as soon as fn returns.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, Role, error) {
	var led atomic.Bool
	runCtx := context.WithoutCancel(ctx)

	ch := g.sf.DoChan(key, func() (any, error) {
		led.Store(true)
		g.inflight.Add(1)
		defer g.inflight.Add(-1)
		return fn(runCtx)
	})

	select {
	case res := <-ch:
		role := Follower
		if led.Load() {
			role = Leader
		}
		var v T
		if res.Val != nil {
			v = res.Val.(T)
		}
		return v, role, res.Err
	case <-ctx.Done():
		var zero T
		role := Follower
		if led.Load() {
			role = Leader
		}
		return zero, role, ctx.Err()
	}
}

// InFlight returns the number of keys currently being worked on.
func (g *Group[T]) InFlight() int {
	return int(g.inflight.Load())
}
