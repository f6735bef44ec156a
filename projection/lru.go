// Copyright 2024 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package projection

// This file provides a simple LRU cache for compiled transforms.
// Compiling a proj definition costs a parse and an operation lookup;
// a job touches exactly one reference system but many jobs run over
// the lifetime of the process, so a small bounded cache amortises the
// cost without growing forever.

import (
	"container/list"
	"sync"
)

// named describes cacheable things with names, here compiled
// transforms keyed by reference system code.
type named interface {
	Name() string
}

// lru is a least-recently-used cache with a fixed capacity.  The cache
// can be safely accessed from multiple goroutines.
type lru struct {
	size      int
	lock      sync.Mutex
	evictList *list.List
	index     map[string]*list.Element
}

func newLRU(size int) *lru {
	return &lru{
		size:      size,
		evictList: list.New(),
		index:     make(map[string]*list.Element),
	}
}

// Get retrieves an item from the cache.  If it is not present, calls
// the fetch function, and if that succeeds, saves the item and
// returns it.  This returns an error only if the item is not present
// and the fetch function returns an error.
func (lru *lru) Get(name string, fetch func(string) (named, error)) (named, error) {
	// This happens under a writer lock, since we need to move the
	// item to the back of the list if it is present
	lru.lock.Lock()
	defer lru.lock.Unlock()

	if element, present := lru.index[name]; present {
		lru.evictList.MoveToBack(element)
		return element.Value.(named), nil
	}

	item, err := fetch(name)
	if err != nil {
		return nil, err
	}
	lru.add(item)
	return item, nil
}

// Remove takes an item out of the cache.  It does nothing if that
// name does not exist.
func (lru *lru) Remove(name string) {
	lru.lock.Lock()
	defer lru.lock.Unlock()

	if element, present := lru.index[name]; present {
		delete(lru.index, name)
		lru.evictList.Remove(element)
	}
}

// add is an internal helper, running under the write lock, that adds a
// new item to the cache.  The item is known to not already exist.
func (lru *lru) add(item named) {
	element := lru.evictList.PushBack(item)
	lru.index[item.Name()] = element

	// If this caused the cache to go over size, evict from the front
	for len(lru.index) > lru.size {
		head := lru.evictList.Front()
		item := head.Value.(named)
		delete(lru.index, item.Name())
		lru.evictList.Remove(head)
	}
}
