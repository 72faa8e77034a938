package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/screa/bitrecover/internal/logger"
	"github.com/screa/bitrecover/internal/targets"
	"github.com/screa/bitrecover/pkg/device"
	"github.com/screa/bitrecover/pkg/partition"
	"github.com/screa/bitrecover/pkg/stats"
	"github.com/screa/bitrecover/pkg/types"
)

// DefaultStatusInterval is used when Options.StatusInterval is not set.
const DefaultStatusInterval = time.Second

var (
	ErrNotReady     = errors.New("worker is not ready")
	ErrStillRunning = errors.New("worker is still running")
)

// DeviceInitError reports a device that could not be bound. The worker is
// excluded; other workers are unaffected.
type DeviceInitError struct {
	DeviceID int
	Err      error
}

func (e *DeviceInitError) Error() string {
	return fmt.Sprintf("device %d: init: %v", e.DeviceID, e.Err)
}

func (e *DeviceInitError) Unwrap() error { return e.Err }

// RuntimeSearchError reports a fault during the search loop. It stops only
// the worker it happened on.
type RuntimeSearchError struct {
	DeviceID int
	Err      error
}

func (e *RuntimeSearchError) Error() string {
	return fmt.Sprintf("device %d: search: %v", e.DeviceID, e.Err)
}

func (e *RuntimeSearchError) Unwrap() error { return e.Err }

// Options wires a worker to its collaborators.
type Options struct {
	Index          int // position among configured devices, selects the key range offset
	Compression    types.Compression
	StatusInterval time.Duration

	Registry    *device.Registry
	Partitioner *partition.Partitioner
	Aggregator  *stats.Aggregator
	Results     stats.ResultSink
	Status      stats.StatusSink
	OnFault     func(*RuntimeSearchError)
	Logger      *logger.Logger
}

// Worker drives one device through its search loop on a dedicated goroutine
// locked to its own OS thread.
//
// Lifecycle: Created -> Ready -> Running -> Stopping -> Stopped, or
// Created -> Excluded when the device cannot be bound. Transitions only move
// forward. The worker goroutine enters Stopped as its last step before Done
// is closed, so any Join that returns observes Stopped.
type Worker struct {
	desc device.Descriptor
	opts Options
	log  *logger.Logger

	state   atomic.Int32
	stop    atomic.Bool
	started atomic.Bool
	done    chan struct{}

	keyRange types.KeyRange
	name     string

	// handles are owned by the worker until Release hands them over
	mu     sync.Mutex
	device device.Device
	engine device.Engine

	// written by the run goroutine only
	keys      uint64
	busy      time.Duration
	startedAt time.Time
	throttle  *rate.Sometimes

	err error // set before done is closed
}

// New creates a worker in the Created state.
func New(desc device.Descriptor, opts Options) *Worker {
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	if opts.Registry == nil {
		opts.Registry = device.DefaultRegistry()
	}
	if opts.Partitioner == nil {
		opts.Partitioner = partition.New()
	}
	if opts.Aggregator == nil {
		opts.Aggregator = stats.NewAggregator()
	}
	if opts.Results == nil {
		opts.Results = stats.Discard
	}
	if opts.Status == nil {
		opts.Status = stats.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	name := desc.Name
	if name == "" {
		name = desc.String()
	}
	return &Worker{
		desc:     desc,
		opts:     opts,
		log:      opts.Logger.ForDevice(desc.ID, name),
		name:     name,
		done:     make(chan struct{}),
		throttle: &rate.Sometimes{Interval: opts.StatusInterval},
	}
}

// ID returns the device id.
func (w *Worker) ID() int { return w.desc.ID }

// Name returns the device display name.
func (w *Worker) Name() string { return w.name }

// Descriptor returns the descriptor the worker was created from.
func (w *Worker) Descriptor() device.Descriptor { return w.desc }

// State returns the current lifecycle state.
func (w *Worker) State() types.WorkerState { return types.WorkerState(w.state.Load()) }

// Range returns the key range assigned at initialization.
func (w *Worker) Range() types.KeyRange { return w.keyRange }

// Err returns the fault that stopped the worker, if any. It is only
// meaningful after Join.
func (w *Worker) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

func (w *Worker) transition(from, to types.WorkerState) bool {
	return w.state.CompareAndSwap(int32(from), int32(to))
}

// Initialize binds the device and the search engine and assigns the key
// range. On failure the worker is Excluded and a *DeviceInitError returned.
func (w *Worker) Initialize() error {
	if w.State() != types.StateCreated {
		return &DeviceInitError{DeviceID: w.desc.ID, Err: fmt.Errorf("initialize in state %s", w.State())}
	}

	dev, err := w.opts.Registry.Open(w.desc)
	if err != nil {
		return w.exclude(err)
	}

	w.keyRange = w.opts.Partitioner.Range(w.opts.Index)
	eng, err := dev.NewEngine(device.Params{
		Range:       w.keyRange,
		Compression: w.opts.Compression,
		Tuning:      w.desc.Tuning,
	})
	if err != nil {
		return w.exclude(multierr.Append(err, dev.Close()))
	}

	if id := dev.Identity(); id.Name != "" && w.desc.Name == "" {
		w.name = id.Name
		w.log = w.opts.Logger.ForDevice(w.desc.ID, w.name)
	}

	w.mu.Lock()
	w.device, w.engine = dev, eng
	w.mu.Unlock()

	w.transition(types.StateCreated, types.StateReady)
	w.opts.Aggregator.Publish(w.snapshot("ready"))
	w.log.Info("device initialized", zap.Stringer("range", w.keyRange))
	return nil
}

func (w *Worker) exclude(err error) error {
	w.transition(types.StateCreated, types.StateExcluded)
	w.log.Warn("device excluded", zap.Error(err))
	return &DeviceInitError{DeviceID: w.desc.ID, Err: err}
}

// SetTargets installs the target set on the engine before the worker starts.
func (w *Worker) SetTargets(set *targets.Set) error {
	if w.State() != types.StateReady {
		return ErrNotReady
	}
	w.mu.Lock()
	eng := w.engine
	w.mu.Unlock()
	if err := eng.SetTargets(set); err != nil {
		return &DeviceInitError{DeviceID: w.desc.ID, Err: fmt.Errorf("set targets: %w", err)}
	}
	return nil
}

// Start spawns the worker goroutine and returns without waiting for it.
func (w *Worker) Start(ctx context.Context) error {
	if !w.transition(types.StateReady, types.StateRunning) {
		return fmt.Errorf("start device %d in state %s: %w", w.desc.ID, w.State(), ErrNotReady)
	}
	w.started.Store(true)
	go func() {
		defer close(w.done)
		// drivers keep per-thread device contexts
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		w.run(ctx)
	}()
	return nil
}

// Stop asks the search loop to return after the current step. It does not wait.
func (w *Worker) Stop() {
	w.stop.Store(true)
}

// Join blocks until the worker goroutine has exited. It returns at once if
// the worker was never started.
func (w *Worker) Join() {
	if w.started.Load() {
		<-w.done
	}
}

// Done is closed when the worker goroutine exits.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Release closes the engine and device handles. Ownership moves out of the
// worker on the first call, so later calls have nothing to close.
func (w *Worker) Release() error {
	switch w.State() {
	case types.StateRunning, types.StateStopping:
		return ErrStillRunning
	}

	w.mu.Lock()
	dev, eng := w.device, w.engine
	w.device, w.engine = nil, nil
	w.mu.Unlock()

	// a worker that was never started ends here
	if w.transition(types.StateReady, types.StateStopped) {
		w.opts.Aggregator.Publish(w.snapshot("stopped"))
	}

	var err error
	if eng != nil {
		err = multierr.Append(err, eng.Close())
	}
	if dev != nil {
		err = multierr.Append(err, dev.Close())
	}
	if dev != nil || eng != nil {
		w.log.Debug("device released", zap.Error(err))
	}
	return err
}

func (w *Worker) stopRequested(ctx context.Context) bool {
	return w.stop.Load() || ctx.Err() != nil
}

func (w *Worker) run(ctx context.Context) {
	w.startedAt = time.Now()
	w.log.Info("search started")
	w.throttle.Do(func() { w.emit("running") })

	err := w.loop(ctx)
	w.transition(types.StateRunning, types.StateStopping)

	status := "stopped"
	switch {
	case err == nil:
	case errors.Is(err, device.ErrRangeExhausted):
		status = "range exhausted"
		w.log.Info("key range exhausted", zap.Uint64("keys", w.keys))
	default:
		rerr := &RuntimeSearchError{DeviceID: w.desc.ID, Err: err}
		w.err = rerr
		status = "failed: " + err.Error()
		w.log.Error("search failed", zap.Error(err), zap.Uint64("keys", w.keys))
		if w.opts.OnFault != nil {
			w.guard("fault hook", func() { w.opts.OnFault(rerr) })
		}
	}

	// the terminal snapshot is delivered regardless of the interval
	w.transition(types.StateStopping, types.StateStopped)
	final := w.snapshot(status)
	w.opts.Aggregator.Publish(final)
	w.guard("status sink", func() { w.opts.Status.OnStatus(final) })
	w.log.Info("search stopped", zap.String("status", status), zap.Uint64("keys", w.keys))
}

func (w *Worker) loop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()

	// only the run goroutine touches the engine while running
	w.mu.Lock()
	eng := w.engine
	w.mu.Unlock()

	for !w.stopRequested(ctx) {
		began := time.Now()
		res, err := eng.Step(ctx)
		w.busy += time.Since(began)
		w.keys += res.Keys

		for _, hit := range res.Hits {
			m := types.MatchResult{
				Address:     hit.Address,
				PrivateKey:  hit.PrivateKey,
				EncodedForm: hit.EncodedForm,
				Compressed:  hit.Compressed,
				DeviceID:    w.desc.ID,
				Timestamp:   time.Now(),
			}
			w.guard("result sink", func() { w.opts.Results.OnMatch(m) })
		}
		if err != nil {
			return err
		}
		w.throttle.Do(func() { w.emit("running") })
	}
	return nil
}

// emit publishes a snapshot to the aggregator and the status sink.
func (w *Worker) emit(status string) {
	s := w.snapshot(status)
	w.opts.Aggregator.Publish(s)
	w.guard("status sink", func() { w.opts.Status.OnStatus(s) })
}

// guard runs a caller-supplied callback. A panic in it is logged and
// swallowed so it can neither fault the search nor escape the goroutine.
func (w *Worker) guard(callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("callback panicked", zap.String("callback", callback), zap.Any("panic", r))
		}
	}()
	fn()
}

func (w *Worker) snapshot(status string) types.StatsSnapshot {
	now := time.Now()
	s := types.StatsSnapshot{
		DeviceID:      w.desc.ID,
		Name:          w.name,
		KeysProcessed: w.keys,
		Status:        status,
		State:         w.State(),
		UpdatedAt:     now,
	}
	s.Running = s.State == types.StateRunning
	if !w.startedAt.IsZero() {
		if elapsed := now.Sub(w.startedAt); elapsed > 0 {
			s.Speed = float64(w.keys) / elapsed.Seconds()
			s.Utilization = 100 * float64(w.busy) / float64(elapsed)
		}
	}
	return s
}
