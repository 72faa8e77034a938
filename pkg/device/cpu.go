package device

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/holiman/uint256"

	"github.com/screa/bitrecover/internal/crypto"
	"github.com/screa/bitrecover/internal/targets"
	"github.com/screa/bitrecover/pkg/types"
)

var (
	errClosed    = errors.New("already closed")
	errNoTargets = errors.New("targets not set")
)

// curveOrder is the secp256k1 group order; valid private keys are 1..N-1.
var curveOrder = *uint256.MustFromHex("0xfffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141")

// OpenCPU binds an in-process CPU device. It walks the curve one point
// addition per key, so it is far slower than an accelerator but produces the
// same results.
func OpenCPU(d Descriptor) (Device, error) {
	name := d.Name
	if name == "" {
		name = fmt.Sprintf("cpu-%d", d.ID)
	}
	return &cpuDevice{id: Identity{ID: d.ID, Name: name}}, nil
}

type cpuDevice struct {
	id     Identity
	closed atomic.Bool
}

func (d *cpuDevice) Identity() Identity { return d.id }

func (d *cpuDevice) NewEngine(p Params) (Engine, error) {
	if d.closed.Load() {
		return nil, fmt.Errorf("cpu device %d: %w", d.id.ID, errClosed)
	}
	if p.Range.Stride.IsZero() || !p.Range.Stride.Lt(&curveOrder) {
		return nil, fmt.Errorf("cpu device %d: invalid stride %s", d.id.ID, p.Range.Stride.Hex())
	}

	e := &cpuEngine{
		key:         p.Range.Start,
		end:         p.Range.End,
		stride:      p.Range.Stride,
		compression: p.Compression,
		batch:       batchSize(p.Tuning),
	}
	var s secp256k1.ModNScalar
	b := p.Range.Stride.Bytes32()
	s.SetBytes(&b)
	secp256k1.ScalarBaseMultNonConst(&s, &e.strideG)
	return e, nil
}

func (d *cpuDevice) Close() error {
	if d.closed.Swap(true) {
		return fmt.Errorf("cpu device %d: %w", d.id.ID, errClosed)
	}
	return nil
}

// batchSize is the number of keys examined per step.
func batchSize(t Tuning) int {
	return max(t.PointsPerThread, 1) * max(t.ThreadsPerBlock, 1) * max(t.Blocks, 1)
}

type cpuEngine struct {
	key         uint256.Int
	end         uint256.Int
	stride      uint256.Int
	compression types.Compression
	batch       int
	targets     *targets.Set

	point      secp256k1.JacobianPoint // key * G
	strideG    secp256k1.JacobianPoint // stride * G
	positioned bool
	exhausted  bool
	closed     bool
}

func (e *cpuEngine) SetTargets(set *targets.Set) error {
	if set == nil || set.Len() == 0 {
		return errNoTargets
	}
	e.targets = set
	return nil
}

func (e *cpuEngine) Step(ctx context.Context) (StepResult, error) {
	var res StepResult
	if e.closed {
		return res, errClosed
	}
	if e.targets == nil {
		return res, errNoTargets
	}
	if e.exhausted {
		return res, ErrRangeExhausted
	}
	if !e.positioned && !e.seek() {
		e.exhausted = true
		return res, ErrRangeExhausted
	}

	for i := 0; i < e.batch; i++ {
		e.check(&res)
		res.Keys++
		if !e.advance() {
			e.exhausted = true
			break
		}
		if i&0xff == 0xff && ctx.Err() != nil {
			break
		}
	}
	return res, nil
}

func (e *cpuEngine) Close() error {
	if e.closed {
		return errClosed
	}
	e.closed = true
	e.targets = nil
	return nil
}

// seek computes the point for the current key, skipping the invalid key zero.
func (e *cpuEngine) seek() bool {
	if e.key.IsZero() {
		e.key.SetOne()
	}
	if !e.key.Lt(&curveOrder) || e.key.Gt(&e.end) {
		return false
	}
	var k secp256k1.ModNScalar
	b := e.key.Bytes32()
	k.SetBytes(&b)
	secp256k1.ScalarBaseMultNonConst(&k, &e.point)
	e.positioned = true
	return true
}

// advance moves to the next key; false once the range or the curve order is passed.
func (e *cpuEngine) advance() bool {
	var next uint256.Int
	if _, overflow := next.AddOverflow(&e.key, &e.stride); overflow {
		return false
	}
	if next.Gt(&e.end) || !next.Lt(&curveOrder) {
		return false
	}
	e.key = next

	var sum secp256k1.JacobianPoint
	secp256k1.AddNonConst(&e.point, &e.strideG, &sum)
	e.point.Set(&sum)
	return true
}

func (e *cpuEngine) check(res *StepResult) {
	affine := e.point
	affine.ToAffine()
	pub := secp256k1.NewPublicKey(&affine.X, &affine.Y)

	var uncompressed []byte
	if e.targets.HasBitcoin() {
		if e.compression.Includes(false) {
			uncompressed = pub.SerializeUncompressed()
			if addr, ok := e.targets.MatchHash160(crypto.Hash160(uncompressed)); ok {
				res.Hits = append(res.Hits, e.bitcoinHit(addr, false))
			}
		}
		if e.compression.Includes(true) {
			if addr, ok := e.targets.MatchHash160(crypto.Hash160(pub.SerializeCompressed())); ok {
				res.Hits = append(res.Hits, e.bitcoinHit(addr, true))
			}
		}
	}

	// Ethereum addresses always hash the uncompressed key
	if e.targets.HasEthereum() {
		if uncompressed == nil {
			uncompressed = pub.SerializeUncompressed()
		}
		if addr, ok := e.targets.MatchEthereum(crypto.EthereumAddress(uncompressed)); ok {
			b := e.key.Bytes32()
			res.Hits = append(res.Hits, Hit{
				Address:     addr,
				PrivateKey:  e.key,
				EncodedForm: "0x" + hex.EncodeToString(b[:]),
			})
		}
	}
}

func (e *cpuEngine) bitcoinHit(addr string, compressed bool) Hit {
	return Hit{
		Address:     addr,
		PrivateKey:  e.key,
		EncodedForm: crypto.WIF(e.key.Bytes32(), compressed),
		Compressed:  compressed,
	}
}
