// Package stats holds the latest status snapshot of every worker and the
// sink contracts through which workers deliver matches and status.
package stats

import (
	"sync"

	"github.com/screa/bitrecover/pkg/types"
)

// Aggregator stores the latest snapshot per device behind one lock.
// Each worker publishes whole snapshots; readers get copies.
type Aggregator struct {
	mu    sync.Mutex
	order []int
	byID  map[int]types.StatsSnapshot
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{byID: make(map[int]types.StatsSnapshot)}
}

// Publish replaces the snapshot for s.DeviceID.
func (a *Aggregator) Publish(s types.StatsSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byID[s.DeviceID]; !ok {
		a.order = append(a.order, s.DeviceID)
	}
	a.byID[s.DeviceID] = s
}

// Get returns the snapshot for one device.
func (a *Aggregator) Get(id int) (types.StatsSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.byID[id]
	return s, ok
}

// Snapshot returns every device's latest snapshot in registration order.
func (a *Aggregator) Snapshot() []types.StatsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.StatsSnapshot, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.byID[id])
	}
	return out
}

// Len returns the number of devices with a snapshot.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

// Totals sums keys and speed across snapshots.
func Totals(snaps []types.StatsSnapshot) (keys uint64, speed float64) {
	for _, s := range snaps {
		keys += s.KeysProcessed
		speed += s.Speed
	}
	return keys, speed
}
