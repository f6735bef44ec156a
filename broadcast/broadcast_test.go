// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package broadcast

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/diffeo/osrm-batch-routing/routing"
)

// recorder is a test handle accumulating delivered events.
type recorder struct {
	mu     sync.Mutex
	events []routing.Event
}

func (r *recorder) Deliver(event routing.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Events() []routing.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]routing.Event(nil), r.events...)
}

func progressEvent(jobID string, processed int) routing.Event {
	return routing.Event{
		JobID:    jobID,
		Kind:     routing.EventProgress,
		Status:   routing.Processing,
		Progress: routing.Progress{Total: 10, Processed: processed},
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	b := &Broadcaster{}
	r1 := &recorder{}
	r2 := &recorder{}
	b.Subscribe("job1", r1)
	b.Subscribe("job1", r2)

	b.Publish("job1", progressEvent("job1", 1))
	assert.Len(t, r1.Events(), 1)
	assert.Len(t, r2.Events(), 1)
}

func TestPublishScopedToJob(t *testing.T) {
	b := &Broadcaster{}
	r1 := &recorder{}
	b.Subscribe("job1", r1)

	b.Publish("job2", progressEvent("job2", 1))
	assert.Empty(t, r1.Events())

	// Case-sensitive identifiers
	b.Publish("JOB1", progressEvent("JOB1", 1))
	assert.Empty(t, r1.Events())
}

func TestPublishNoSubscribers(t *testing.T) {
	b := &Broadcaster{}
	// Publishing into the void must not panic or block
	b.Publish("nobody", progressEvent("nobody", 1))
}

func TestDeliveryOrder(t *testing.T) {
	b := &Broadcaster{}
	r := &recorder{}
	b.Subscribe("job1", r)

	for i := 1; i <= 5; i++ {
		b.Publish("job1", progressEvent("job1", i))
	}
	events := r.Events()
	if assert.Len(t, events, 5) {
		for i, event := range events {
			assert.Equal(t, i+1, event.Progress.Processed)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := &Broadcaster{}
	r := &recorder{}
	b.Subscribe("job1", r)
	b.Unsubscribe("job1", r)
	b.Publish("job1", progressEvent("job1", 1))
	assert.Empty(t, r.Events())
	assert.Equal(t, 0, b.Subscribers("job1"))
}

func TestDropRemovesEverywhere(t *testing.T) {
	b := &Broadcaster{}
	r := &recorder{}
	other := &recorder{}
	b.Subscribe("job1", r)
	b.Subscribe("job2", r)
	b.Subscribe("job2", other)

	b.Drop(r)
	b.Publish("job1", progressEvent("job1", 1))
	b.Publish("job2", progressEvent("job2", 1))
	assert.Empty(t, r.Events())
	assert.Len(t, other.Events(), 1)

	// job1's emptied set is discarded
	assert.Equal(t, 0, b.Subscribers("job1"))
	assert.Equal(t, 1, b.Subscribers("job2"))
}

func TestSubscribeTwiceIsOnce(t *testing.T) {
	b := &Broadcaster{}
	r := &recorder{}
	b.Subscribe("job1", r)
	b.Subscribe("job1", r)
	b.Publish("job1", progressEvent("job1", 1))
	assert.Len(t, r.Events(), 1)
}

// TestConcurrentPublishSubscribe runs publishes against subscription
// churn to shake out lock ordering problems.
func TestConcurrentPublishSubscribe(t *testing.T) {
	b := &Broadcaster{}
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			r := &recorder{}
			b.Subscribe("job1", r)
			b.Unsubscribe("job1", r)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			b.Publish("job1", progressEvent("job1", i))
		}
	}()
	wg.Wait()
}
