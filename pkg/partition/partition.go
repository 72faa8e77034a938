// Package partition spreads device workers across the 256-bit key space.
//
// Each worker starts at an independently drawn random point plus a coarse
// per-device offset of index * 2^32. This is a best-effort spread: ranges are
// not guaranteed to be disjoint, only unlikely to coincide.
package partition

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"

	"github.com/holiman/uint256"

	"github.com/screa/bitrecover/pkg/types"
)

// DeviceShift is the bit position of the per-device offset.
const DeviceShift = 32

// Partitioner derives starting offsets from a process-seeded generator.
// It is safe for concurrent use.
type Partitioner struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Partitioner seeded from the operating system's entropy source.
func New() *Partitioner {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic("partition: reading seed: " + err.Error())
	}
	return &Partitioner{rng: rand.New(rand.NewChaCha8(seed))}
}

// NewSeeded returns a deterministic Partitioner, for reproducible runs and tests.
func NewSeeded(seed uint64) *Partitioner {
	return &Partitioner{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Random256 draws a uniformly random 256-bit value.
func (p *Partitioner) Random256() uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var buf [32]byte
	for i := 0; i < 4; i++ {
		binary.BigEndian.PutUint64(buf[i*8:], p.rng.Uint64())
	}
	var v uint256.Int
	v.SetBytes32(buf[:])
	return v
}

// Range returns the key range for the device at the given index.
// The start wraps modulo 2^256, the end is the top of the space and the
// stride is one key.
func (p *Partitioner) Range(index int) types.KeyRange {
	start := p.Random256()

	var offset uint256.Int
	offset.SetUint64(uint64(index))
	offset.Lsh(&offset, DeviceShift)
	start.Add(&start, &offset)

	var r types.KeyRange
	r.Start = start
	r.End.SetAllOne()
	r.Stride.SetOne()
	return r
}

// Ranges partitions the space for n devices in one call.
func (p *Partitioner) Ranges(n int) []types.KeyRange {
	out := make([]types.KeyRange, n)
	for i := range out {
		out[i] = p.Range(i)
	}
	return out
}
