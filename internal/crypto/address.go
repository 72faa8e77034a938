package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // hash160 is defined over RIPEMD-160
	"golang.org/x/crypto/sha3"
)

const (
	// Base58Check version bytes
	P2PKHVersion = 0x00
	WIFVersion   = 0x80

	// HashLen is the length of hash160 digests and Ethereum addresses.
	HashLen = 20
)

var (
	ErrAddressLength  = errors.New("address payload must be 20 bytes")
	ErrAddressVersion = errors.New("unsupported address version")
)

// Hash160 returns RIPEMD160(SHA256(data)).
func Hash160(data []byte) [HashLen]byte {
	sum := sha256.Sum256(data)
	h := ripemd160.New()
	_, _ = h.Write(sum[:])
	var out [HashLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

// BitcoinAddress encodes a hash160 as a Base58Check P2PKH address.
func BitcoinAddress(h [HashLen]byte) string {
	return base58.CheckEncode(h[:], P2PKHVersion)
}

// DecodeBitcoinAddress returns the hash160 carried by a P2PKH address.
func DecodeBitcoinAddress(addr string) ([HashLen]byte, error) {
	var out [HashLen]byte
	payload, version, err := base58.CheckDecode(strings.TrimSpace(addr))
	if err != nil {
		return out, fmt.Errorf("decode %q: %w", addr, err)
	}
	if version != P2PKHVersion {
		return out, fmt.Errorf("decode %q: %w 0x%02x", addr, ErrAddressVersion, version)
	}
	if len(payload) != HashLen {
		return out, fmt.Errorf("decode %q: %w", addr, ErrAddressLength)
	}
	copy(out[:], payload)
	return out, nil
}

// WIF encodes a 32-byte private key in wallet import format.
func WIF(key [32]byte, compressed bool) string {
	payload := key[:]
	if compressed {
		payload = append(append(make([]byte, 0, 33), key[:]...), 0x01)
	}
	return base58.CheckEncode(payload, WIFVersion)
}

// EthereumAddress derives the 20-byte address from a 65-byte uncompressed public key.
func EthereumAddress(uncompressed []byte) [HashLen]byte {
	var out [HashLen]byte
	if len(uncompressed) != 65 {
		panic(errors.New("public key must be 65 bytes"))
	}
	sum := keccak256Bytes(uncompressed[1:])
	copy(out[:], sum[12:32])
	return out
}

// ---- helpers ----

func keccak256Bytes(b []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(b)
	return h.Sum(nil)
}

// IsEthereumAddress reports whether s looks like a 0x-prefixed hex address.
func IsEthereumAddress(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) == 42 && (s[:2] == "0x" || s[:2] == "0X")
}

// DecodeEthereumAddress converts a hex address string (with or without 0x) to bytes.
// Checksum casing is not enforced.
func DecodeEthereumAddress(addr string) ([HashLen]byte, error) {
	var out [HashLen]byte
	h := strings.TrimSpace(addr)
	if len(h) >= 2 && (h[0:2] == "0x" || h[0:2] == "0X") {
		h = h[2:]
	}
	if len(h) != 2*HashLen {
		return out, fmt.Errorf("invalid address length: got %d hex chars, want 40", len(h))
	}
	if _, err := hex.Decode(out[:], []byte(h)); err != nil {
		return out, fmt.Errorf("invalid address hex: %w", err)
	}
	return out, nil
}

// ChecksumAddress converts 20-byte address to EIP-55 checksummed string.
func ChecksumAddress(addr20 [HashLen]byte) string {
	hexLower := hex.EncodeToString(addr20[:]) // lowercase
	hash := keccak256Bytes([]byte(hexLower))
	// apply checksum casing
	var out strings.Builder
	out.Grow(2 + 40)
	out.WriteString("0x")
	for i, c := range hexLower {
		if c >= '0' && c <= '9' {
			out.WriteByte(byte(c))
			continue
		}
		// each nibble of the hash decides case of corresponding hex char
		n := (hash[i/2] >> uint(4*(1-i%2))) & 0xF
		if n >= 8 {
			out.WriteByte(byte(c) - 'a' + 'A')
		} else {
			out.WriteByte(byte(c))
		}
	}
	return out.String()
}
