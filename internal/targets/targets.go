// Package targets loads the set of addresses a campaign searches for.
//
// The file holds one address per line. Surrounding whitespace is trimmed and
// blank lines and lines starting with '#' are skipped. Bitcoin P2PKH and
// 0x-prefixed Ethereum addresses may be mixed. A Set is read-only once loaded
// and can be shared by every device.
package targets

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/screa/bitrecover/internal/crypto"
)

// ErrEmpty is returned when a target source has no addresses.
var ErrEmpty = errors.New("no target addresses")

// TargetLoadError reports a target source that could not be read or parsed.
type TargetLoadError struct {
	Path string
	Line int // 0 when the failure is not tied to a line
	Err  error
}

func (e *TargetLoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("load targets %s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("load targets %s: %v", e.Path, e.Err)
}

func (e *TargetLoadError) Unwrap() error { return e.Err }

// Set holds target hashes keyed by their 20-byte digest.
type Set struct {
	bitcoin  map[[crypto.HashLen]byte]string
	ethereum map[[crypto.HashLen]byte]string
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{
		bitcoin:  make(map[[crypto.HashLen]byte]string),
		ethereum: make(map[[crypto.HashLen]byte]string),
	}
}

// Add parses and inserts one address. Duplicates are ignored.
func (s *Set) Add(addr string) error {
	addr = strings.TrimSpace(addr)
	if crypto.IsEthereumAddress(addr) {
		h, err := crypto.DecodeEthereumAddress(addr)
		if err != nil {
			return err
		}
		s.ethereum[h] = crypto.ChecksumAddress(h)
		return nil
	}
	h, err := crypto.DecodeBitcoinAddress(addr)
	if err != nil {
		return err
	}
	s.bitcoin[h] = addr
	return nil
}

// Len returns the number of distinct targets.
func (s *Set) Len() int { return len(s.bitcoin) + len(s.ethereum) }

// HasBitcoin reports whether any Bitcoin targets are loaded.
func (s *Set) HasBitcoin() bool { return len(s.bitcoin) > 0 }

// HasEthereum reports whether any Ethereum targets are loaded.
func (s *Set) HasEthereum() bool { return len(s.ethereum) > 0 }

// MatchHash160 returns the Bitcoin address whose hash160 is h.
func (s *Set) MatchHash160(h [crypto.HashLen]byte) (string, bool) {
	addr, ok := s.bitcoin[h]
	return addr, ok
}

// MatchEthereum returns the checksummed Ethereum address equal to a.
func (s *Set) MatchEthereum(a [crypto.HashLen]byte) (string, bool) {
	addr, ok := s.ethereum[a]
	return addr, ok
}

// Parse reads newline-delimited addresses from r. source names r in errors.
func Parse(r io.Reader, source string) (*Set, error) {
	set := NewSet()
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := set.Add(text); err != nil {
			return nil, &TargetLoadError{Path: source, Line: line, Err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &TargetLoadError{Path: source, Err: err}
	}
	if set.Len() == 0 {
		return nil, &TargetLoadError{Path: source, Err: ErrEmpty}
	}
	return set, nil
}

// Load reads the target file at path. A missing, unreadable, empty or
// malformed file is a *TargetLoadError.
func Load(path string) (*Set, error) {
	if path == "" {
		return nil, &TargetLoadError{Path: path, Err: errors.New("no targets file configured")}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &TargetLoadError{Path: path, Err: err}
	}
	defer f.Close()
	return Parse(f, path)
}
