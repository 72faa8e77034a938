// Package campaign coordinates a key search across several devices.
//
// A Campaign owns one worker per device. Devices that fail to bind are left
// out without affecting the rest; faults during the search stop only the
// worker they happen on. StopAll joins every worker and releases each
// device exactly once, however many times it is called.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/screa/bitrecover/internal/logger"
	"github.com/screa/bitrecover/internal/targets"
	"github.com/screa/bitrecover/pkg/device"
	"github.com/screa/bitrecover/pkg/partition"
	"github.com/screa/bitrecover/pkg/stats"
	"github.com/screa/bitrecover/pkg/types"
	"github.com/screa/bitrecover/pkg/worker"
)

var (
	// ErrNoDevices is returned by Start when no worker is ready to run.
	ErrNoDevices      = errors.New("no devices ready")
	ErrAlreadyStarted = errors.New("campaign already started")
	ErrStopped        = errors.New("campaign stopped")
	ErrNotStarted     = errors.New("campaign not started")

	// ErrDuplicateDevice is wrapped in the *worker.DeviceInitError AddDevice
	// returns for an id that already has a worker.
	ErrDuplicateDevice = errors.New("device id already added")
)

// Config holds the settings shared by every worker.
type Config struct {
	TargetsFile    string
	Compression    types.Compression
	StatusInterval time.Duration // default one second
}

// TargetLoader reads the target set named by Config.TargetsFile.
type TargetLoader func(path string) (*targets.Set, error)

// Option customizes a Campaign.
type Option func(*Campaign)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option { return func(c *Campaign) { c.logger = l } }

// WithRegistry sets the registry devices are opened from.
func WithRegistry(r *device.Registry) Option { return func(c *Campaign) { c.registry = r } }

// WithPartitioner sets the key range partitioner.
func WithPartitioner(p *partition.Partitioner) Option { return func(c *Campaign) { c.partitioner = p } }

// WithResultSink sets where matches go.
func WithResultSink(s stats.ResultSink) Option { return func(c *Campaign) { c.results = s } }

// WithStatusSink sets where periodic snapshots go.
func WithStatusSink(s stats.StatusSink) Option { return func(c *Campaign) { c.status = s } }

// WithTargetLoader replaces targets.Load.
func WithTargetLoader(l TargetLoader) Option { return func(c *Campaign) { c.loadTargets = l } }

// WithFaultHook is called from the failing worker's goroutine for every
// runtime fault.
func WithFaultHook(f func(*worker.RuntimeSearchError)) Option {
	return func(c *Campaign) { c.onFault = f }
}

// Campaign runs one search across many devices.
type Campaign struct {
	cfg         Config
	id          uuid.UUID
	logger      *logger.Logger
	registry    *device.Registry
	partitioner *partition.Partitioner
	results     stats.ResultSink
	status      stats.StatusSink
	loadTargets TargetLoader
	onFault     func(*worker.RuntimeSearchError)
	agg         *stats.Aggregator

	// workers is replaced, never mutated, so readers need no lock
	workers atomic.Pointer[[]*worker.Worker]

	mu        sync.Mutex // serializes AddDevice, Start and StopAll
	attempted int
	excluded  []device.Descriptor
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	launched  atomic.Bool
	done      chan struct{}
}

// New creates a campaign with no devices.
func New(cfg Config, opts ...Option) *Campaign {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = worker.DefaultStatusInterval
	}
	c := &Campaign{
		cfg:         cfg,
		id:          uuid.New(),
		logger:      logger.Nop(),
		registry:    device.DefaultRegistry(),
		results:     stats.Discard,
		status:      stats.Discard,
		loadTargets: targets.Load,
		agg:         stats.NewAggregator(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.partitioner == nil {
		c.partitioner = partition.New()
	}
	c.logger = c.logger.With(zap.String("campaign", c.id.String()))
	c.workers.Store(&[]*worker.Worker{})
	return c
}

// ID returns the campaign's run id.
func (c *Campaign) ID() uuid.UUID { return c.id }

func (c *Campaign) list() []*worker.Worker { return *c.workers.Load() }

// AddDevice creates and initializes a worker for d. A device that cannot be
// bound, or whose id already has a worker, is logged and skipped; its
// *worker.DeviceInitError is returned along with the number of workers added
// so far.
func (c *Campaign) AddDevice(d device.Descriptor) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.list()
	if c.started || c.stopped {
		return len(current), fmt.Errorf("add device %s: %w", d, ErrAlreadyStarted)
	}

	index := c.attempted
	c.attempted++
	for _, w := range current {
		if w.ID() == d.ID {
			err := &worker.DeviceInitError{DeviceID: d.ID, Err: ErrDuplicateDevice}
			c.excluded = append(c.excluded, d)
			c.logger.Warn("skipping device", zap.Stringer("device", d), zap.Error(err))
			return len(current), err
		}
	}

	w := worker.New(d, worker.Options{
		Index:          index,
		Compression:    c.cfg.Compression,
		StatusInterval: c.cfg.StatusInterval,
		Registry:       c.registry,
		Partitioner:    c.partitioner,
		Aggregator:     c.agg,
		Results:        c.results,
		Status:         c.status,
		OnFault:        c.onFault,
		Logger:         c.logger,
	})
	if err := w.Initialize(); err != nil {
		c.excluded = append(c.excluded, d)
		c.logger.Warn("skipping device", zap.Stringer("device", d), zap.Error(err))
		return len(current), err
	}

	next := append(append(make([]*worker.Worker, 0, len(current)+1), current...), w)
	c.workers.Store(&next)
	return len(next), nil
}

// Start loads the targets and spawns one goroutine per ready worker. It does
// not wait for them. ctx bounds the lifetime of the whole search.
func (c *Campaign) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.stopped:
		return ErrStopped
	case c.started:
		return ErrAlreadyStarted
	}

	var ready []*worker.Worker
	for _, w := range c.list() {
		if w.State() == types.StateReady {
			ready = append(ready, w)
		}
	}
	if len(ready) == 0 {
		return ErrNoDevices
	}

	set, err := c.loadTargets(c.cfg.TargetsFile)
	if err != nil {
		return err
	}

	runnable := ready[:0]
	for _, w := range ready {
		if err := w.SetTargets(set); err != nil {
			c.logger.Warn("skipping device", zap.Int("device_id", w.ID()), zap.Error(err))
			if rerr := w.Release(); rerr != nil {
				c.logger.Warn("release failed", zap.Int("device_id", w.ID()), zap.Error(rerr))
			}
			continue
		}
		runnable = append(runnable, w)
	}
	if len(runnable) == 0 {
		return ErrNoDevices
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true
	c.launched.Store(true)

	var spawned []*worker.Worker
	for _, w := range runnable {
		if err := w.Start(runCtx); err != nil {
			c.logger.Warn("worker did not start", zap.Int("device_id", w.ID()), zap.Error(err))
			continue
		}
		spawned = append(spawned, w)
	}
	go func() {
		for _, w := range spawned {
			w.Join()
		}
		close(c.done)
	}()

	c.logger.Info("campaign started",
		zap.Int("devices", len(spawned)),
		zap.Int("targets", set.Len()),
		zap.Stringer("compression", c.cfg.Compression))
	return nil
}

// StopAll stops every worker, waits for all of them to exit and releases
// their devices. It may be called any number of times, before or after Start.
func (c *Campaign) StopAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	workers := c.list()
	for _, w := range workers {
		w.Stop()
	}
	for _, w := range workers {
		w.Join()
	}

	var err error
	for _, w := range workers {
		err = multierr.Append(err, w.Release())
	}
	if c.started {
		<-c.done
	}
	if !c.stopped {
		c.stopped = true
		keys, _ := stats.Totals(c.agg.Snapshot())
		c.logger.Info("campaign stopped", zap.Uint64("keys", keys))
	}
	return err
}

// IsAnyActive reports whether any worker is running. It does not block.
func (c *Campaign) IsAnyActive() bool {
	for _, w := range c.list() {
		if w.State() == types.StateRunning {
			return true
		}
	}
	return false
}

// SnapshotStats returns the latest snapshot of every worker. Each snapshot is
// consistent on its own; the set is not one point-in-time capture.
func (c *Campaign) SnapshotStats() []types.StatsSnapshot {
	return c.agg.Snapshot()
}

// Done is closed once every started worker has exited.
func (c *Campaign) Done() <-chan struct{} { return c.done }

// Wait blocks until every started worker has exited on its own or ctx ends.
func (c *Campaign) Wait(ctx context.Context) error {
	if !c.launched.Load() {
		return ErrNotStarted
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of workers that initialized.
func (c *Campaign) Len() int { return len(c.list()) }

// Excluded returns the devices that failed to initialize.
func (c *Campaign) Excluded() []device.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]device.Descriptor(nil), c.excluded...)
}

// Faults returns the runtime errors of workers that stopped on a fault.
func (c *Campaign) Faults() []error {
	var out []error
	for _, w := range c.list() {
		if err := w.Err(); err != nil {
			out = append(out, err)
		}
	}
	return out
}
