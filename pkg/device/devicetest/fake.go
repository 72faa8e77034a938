// Package devicetest provides scripted, reference-counted devices for tests.
package devicetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"

	"github.com/screa/bitrecover/internal/targets"
	"github.com/screa/bitrecover/pkg/device"
)

// ErrInjected is the failure a Script injects.
var ErrInjected = errors.New("injected failure")

// Script controls how a fake device behaves.
type Script struct {
	OpenErr     error         // returned by the opener
	EngineErr   error         // returned by NewEngine
	TargetsErr  error         // returned by SetTargets
	Steps       int           // steps before ErrRangeExhausted; 0 runs until stopped
	KeysPerStep uint64        // defaults to 1
	Matches     int           // total hits, one per step from the first step
	FailAt      int           // 1-based step that returns ErrInjected; 0 never
	PanicAt     int           // 1-based step that panics; 0 never
	StepDelay   time.Duration // sleep inside each step
}

// Device is a fake device. Its counters may be read while workers run.
type Device struct {
	id     int
	script Script

	DeviceCloses atomic.Int32
	EngineCloses atomic.Int32
	StepsRun     atomic.Int64

	mu      sync.Mutex
	params  device.Params
	targets *targets.Set
}

// Identity implements device.Device.
func (d *Device) Identity() device.Identity {
	return device.Identity{ID: d.id, Name: fmt.Sprintf("fake-%d", d.id)}
}

// NewEngine implements device.Device.
func (d *Device) NewEngine(p device.Params) (device.Engine, error) {
	if d.script.EngineErr != nil {
		return nil, d.script.EngineErr
	}
	d.mu.Lock()
	d.params = p
	d.mu.Unlock()
	return &engine{dev: d}, nil
}

// Close implements device.Device.
func (d *Device) Close() error {
	d.DeviceCloses.Add(1)
	return nil
}

// Params returns what the last NewEngine call received.
func (d *Device) Params() device.Params {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.params
}

// Targets returns the set installed on the engine.
func (d *Device) Targets() *targets.Set {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targets
}

type engine struct {
	dev     *Device
	steps   int
	matched int
}

func (e *engine) SetTargets(set *targets.Set) error {
	if e.dev.script.TargetsErr != nil {
		return e.dev.script.TargetsErr
	}
	e.dev.mu.Lock()
	e.dev.targets = set
	e.dev.mu.Unlock()
	return nil
}

func (e *engine) Step(ctx context.Context) (device.StepResult, error) {
	s := e.dev.script
	var res device.StepResult
	if s.Steps > 0 && e.steps >= s.Steps {
		return res, device.ErrRangeExhausted
	}
	e.steps++
	e.dev.StepsRun.Add(1)

	if s.StepDelay > 0 {
		select {
		case <-time.After(s.StepDelay):
		case <-ctx.Done():
		}
	}
	if s.PanicAt == e.steps {
		panic("fake engine exploded")
	}
	if s.FailAt == e.steps {
		return res, ErrInjected
	}

	res.Keys = s.KeysPerStep
	if res.Keys == 0 {
		res.Keys = 1
	}
	if e.matched < s.Matches {
		e.matched++
		res.Hits = append(res.Hits, device.Hit{
			Address:     fmt.Sprintf("fake-%d-match-%d", e.dev.id, e.matched),
			PrivateKey:  *uint256.NewInt(uint64(e.matched)),
			EncodedForm: fmt.Sprintf("wif-%d", e.matched),
		})
	}
	return res, nil
}

func (e *engine) Close() error {
	e.dev.EngineCloses.Add(1)
	return nil
}

// Fleet is a set of fake devices registered under one device type.
type Fleet struct {
	mu      sync.Mutex
	scripts map[int]Script
	devices map[int]*Device
}

// NewFleet returns an empty fleet.
func NewFleet() *Fleet {
	return &Fleet{
		scripts: make(map[int]Script),
		devices: make(map[int]*Device),
	}
}

// Script sets the behavior of device id.
func (f *Fleet) Script(id int, s Script) *Fleet {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = s
	return f
}

// Device returns the fake opened for id, or nil if it was never opened.
func (f *Fleet) Device(id int) *Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[id]
}

// Open is a device.Opener.
func (f *Fleet) Open(d device.Descriptor) (device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.scripts[d.ID]
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	dev := &Device{id: d.ID, script: s}
	f.devices[d.ID] = dev
	return dev, nil
}

// Registry returns a registry serving the fleet as device.TypeCUDA.
func (f *Fleet) Registry() *device.Registry {
	r := device.NewRegistry()
	r.Register(device.TypeCUDA, f.Open)
	return r
}

// Descriptors returns CUDA descriptors for ids 0..n-1.
func Descriptors(n int) []device.Descriptor {
	out := make([]device.Descriptor, n)
	for i := range out {
		out[i] = device.Descriptor{ID: i, Name: fmt.Sprintf("fake-%d", i), Type: device.TypeCUDA}
	}
	return out
}
