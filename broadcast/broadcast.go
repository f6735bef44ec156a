// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

// Package broadcast fans job events out to subscribed clients.
//
// Subscribers are opaque handles keyed per job identifier; nothing in
// here knows what a client is beyond its Deliver method, which keeps
// the registry/subscriber reference cycle broken.  Delivery is
// best-effort: a handle's Deliver must not block, and a stalled
// client is the client implementation's problem, never the
// dispatcher's.
package broadcast

import (
	"sync"

	"github.com/diffeo/osrm-batch-routing/routing"
)

// Handle is one connected client.  Deliver is called with each event
// published to a job the handle is subscribed to; implementations
// must return promptly (buffer or drop, never block).  Events arrive
// in publish order per handle.
type Handle interface {
	Deliver(event routing.Event)
}

// Broadcaster maintains the per-job subscriber sets.  The zero value
// is ready to use.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[Handle]struct{}
}

// Subscribe adds a handle to a job's subscriber set.  Subscribing
// twice is a no-op.
func (b *Broadcaster) Subscribe(jobID string, h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[string]map[Handle]struct{})
	}
	set := b.subs[jobID]
	if set == nil {
		set = make(map[Handle]struct{})
		b.subs[jobID] = set
	}
	set[h] = struct{}{}
}

// Unsubscribe removes a handle from one job's subscriber set.  An
// emptied set is discarded.
func (b *Broadcaster) Unsubscribe(jobID string, h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[jobID]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(b.subs, jobID)
		}
	}
}

// Drop removes a handle from every subscriber set it appears in.
// Called on client disconnect.
func (b *Broadcaster) Drop(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for jobID, set := range b.subs {
		delete(set, h)
		if len(set) == 0 {
			delete(b.subs, jobID)
		}
	}
}

// Publish delivers an event to every current member of the job's
// subscriber set.  There is no replay: clients subscribing after a
// terminal event learn the terminal state from the status endpoint.
func (b *Broadcaster) Publish(jobID string, event routing.Event) {
	b.mu.Lock()
	handles := make([]Handle, 0, len(b.subs[jobID]))
	for h := range b.subs[jobID] {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	// Deliver outside the lock, so a subscribe racing a publish
	// cannot deadlock against a handle's own locking
	for _, h := range handles {
		h.Deliver(event)
	}
}

// Subscribers reports the size of one job's subscriber set.
func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}
