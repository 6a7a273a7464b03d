package app

import (
	"sort"
	"sync"

	"github.com/transfa/checkout-service/internal/domain"
)

// WatchSet is the set of recipient addresses that currently have live pending
// sessions. The live listener drops transfers to any other address.
//
// Every Add bumps a generation counter. A refresh reads the generation before it
// queries the store and passes it to Replace, which keeps addresses added after
// that point even if the store read missed them.
type WatchSet struct {
	mu         sync.RWMutex
	addresses  map[string]uint64
	generation uint64
}

func NewWatchSet() *WatchSet {
	return &WatchSet{addresses: make(map[string]uint64)}
}

// Generation returns the current generation, to be passed to Replace.
func (w *WatchSet) Generation() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.generation
}

// Replace swaps the set for a fresh read from the store, keeping any address
// added after generation since.
func (w *WatchSet) Replace(since uint64, addresses []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[string]uint64, len(addresses))
	for address, addedAt := range w.addresses {
		if addedAt > since {
			next[address] = addedAt
		}
	}
	for _, address := range addresses {
		address = domain.NormalizeAddress(address)
		if _, ok := next[address]; !ok {
			next[address] = 0
		}
	}
	w.addresses = next
}

func (w *WatchSet) Add(address string) {
	w.mu.Lock()
	w.generation++
	w.addresses[domain.NormalizeAddress(address)] = w.generation
	w.mu.Unlock()
}

func (w *WatchSet) Contains(address string) bool {
	w.mu.RLock()
	_, ok := w.addresses[domain.NormalizeAddress(address)]
	w.mu.RUnlock()
	return ok
}

// Snapshot returns the addresses in sorted order.
func (w *WatchSet) Snapshot() []string {
	w.mu.RLock()
	out := make([]string, 0, len(w.addresses))
	for address := range w.addresses {
		out = append(out, address)
	}
	w.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (w *WatchSet) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.addresses)
}
