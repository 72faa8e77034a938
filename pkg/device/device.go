// Package device defines the search capability a compute device exposes to
// the orchestrator, and a registry mapping device types to backends.
//
// A backend hands out two exclusively owned handles: the Device (the bound
// accelerator) and the Engine (the search state running on it). Both are
// closed exactly once by whoever owns them. The orchestrator never looks
// past these interfaces, so CUDA, OpenCL and CPU backends are interchangeable.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/screa/bitrecover/internal/targets"
	"github.com/screa/bitrecover/pkg/types"
)

var (
	// ErrUnsupported is returned when no backend is registered for a device type.
	ErrUnsupported = errors.New("unsupported device type")

	// ErrRangeExhausted is returned by Engine.Step once the assigned range is used up.
	ErrRangeExhausted = errors.New("key range exhausted")
)

// Type names a device backend.
type Type string

const (
	TypeCPU    Type = "cpu"
	TypeCUDA   Type = "cuda"
	TypeOpenCL Type = "opencl"
)

// Tuning carries per-device hints. The orchestrator passes them through
// without interpreting them.
type Tuning struct {
	ThreadsPerBlock int
	Blocks          int
	PointsPerThread int
}

// Descriptor identifies one device to bind.
type Descriptor struct {
	ID     int
	Name   string
	Type   Type
	Tuning Tuning
}

func (d Descriptor) String() string {
	if d.Name != "" {
		return fmt.Sprintf("%s#%d (%s)", d.Type, d.ID, d.Name)
	}
	return fmt.Sprintf("%s#%d", d.Type, d.ID)
}

// Identity is what a bound device reports about itself.
type Identity struct {
	ID   int
	Name string
}

// Params configures an engine.
type Params struct {
	Range       types.KeyRange
	Compression types.Compression
	Tuning      Tuning
}

// Hit is a key found by an engine step.
type Hit struct {
	Address     string
	PrivateKey  uint256.Int
	EncodedForm string
	Compressed  bool
}

// StepResult is the outcome of one engine step.
type StepResult struct {
	Keys uint64 // keys examined during the step
	Hits []Hit
}

// Engine runs the search on a bound device. It is driven from a single goroutine.
type Engine interface {
	// SetTargets installs the target set. It is called before the first Step.
	SetTargets(set *targets.Set) error
	// Step examines the next batch of keys. It returns ErrRangeExhausted once
	// nothing is left; a result with keys may accompany any error.
	Step(ctx context.Context) (StepResult, error)
	Close() error
}

// Device is a bound accelerator.
type Device interface {
	Identity() Identity
	NewEngine(p Params) (Engine, error)
	Close() error
}

// Opener binds the device a descriptor names.
type Opener func(d Descriptor) (Device, error)

// Registry maps device types to openers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	openers map[Type]Opener
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{openers: make(map[Type]Opener)}
}

// DefaultRegistry returns a registry with every backend compiled into this binary.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeCPU, OpenCPU)
	return r
}

// Register installs or replaces the opener for t.
func (r *Registry) Register(t Type, o Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[t] = o
}

// Supports reports whether t has an opener.
func (r *Registry) Supports(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.openers[t]
	return ok
}

// Open binds the device described by d.
func (r *Registry) Open(d Descriptor) (Device, error) {
	r.mu.RLock()
	o, ok := r.openers[d.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupported, d.Type)
	}
	dev, err := o(d)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}
	return dev, nil
}
