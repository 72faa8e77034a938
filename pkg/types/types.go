package types

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// Compression selects which public key encodings a device checks.
// The campaign passes it through to the device untouched.
type Compression int

const (
	Uncompressed Compression = iota
	Compressed
	Both
)

// ParseCompression parses UNCOMPRESSED, COMPRESSED or BOTH (case-insensitive).
func ParseCompression(s string) (Compression, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNCOMPRESSED":
		return Uncompressed, nil
	case "COMPRESSED":
		return Compressed, nil
	case "BOTH":
		return Both, nil
	}
	return Uncompressed, fmt.Errorf("unknown compression mode %q", s)
}

func (c Compression) String() string {
	switch c {
	case Uncompressed:
		return "UNCOMPRESSED"
	case Compressed:
		return "COMPRESSED"
	case Both:
		return "BOTH"
	}
	return fmt.Sprintf("Compression(%d)", int(c))
}

// Includes reports whether keys encoded with the given compression should be checked.
func (c Compression) Includes(compressed bool) bool {
	if c == Both {
		return true
	}
	return (c == Compressed) == compressed
}

// KeyRange is the span of the key space assigned to one worker.
// It is assigned once when the worker initializes and never changes.
type KeyRange struct {
	Start  uint256.Int
	End    uint256.Int
	Stride uint256.Int
}

func (r KeyRange) String() string {
	return fmt.Sprintf("%s..%s/%s", r.Start.Hex(), r.End.Hex(), r.Stride.Dec())
}

// MatchResult is a discovered key whose derived address is in the target set.
type MatchResult struct {
	Address     string
	PrivateKey  uint256.Int
	EncodedForm string // WIF for Bitcoin targets, 0x-hex for Ethereum targets
	Compressed  bool
	DeviceID    int
	Timestamp   time.Time
}

// PrivateKeyHex returns the private key as 64 lowercase hex digits.
func (m MatchResult) PrivateKeyHex() string {
	b := m.PrivateKey.Bytes32()
	return hex.EncodeToString(b[:])
}

// WorkerState is the lifecycle state of a device worker.
type WorkerState int32

const (
	StateCreated WorkerState = iota
	StateReady
	StateRunning
	StateStopping
	StateStopped
	StateExcluded
)

func (s WorkerState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateExcluded:
		return "excluded"
	}
	return fmt.Sprintf("WorkerState(%d)", int32(s))
}

// Terminal reports whether no further transitions are possible.
func (s WorkerState) Terminal() bool {
	return s == StateStopped || s == StateExcluded
}

// MarshalText renders the state by name in JSON output.
func (s WorkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatsSnapshot is a point-in-time status record for one worker.
// Workers replace their snapshot wholesale; KeysProcessed never decreases.
type StatsSnapshot struct {
	DeviceID      int         `json:"device_id"`
	Name          string      `json:"name"`
	KeysProcessed uint64      `json:"keys_processed"`
	Speed         float64     `json:"speed"` // keys per second
	Running       bool        `json:"running"`
	Utilization   float64     `json:"utilization"` // percent of wall time spent inside engine steps
	Status        string      `json:"status"`
	State         WorkerState `json:"state"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
