// Package identity implements the pure, stateless address-hashing and
// display-name/message sanitization rules shared by the HTTP surface and the
// session gateway. Nothing in this package touches the network or a store.
package identity

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// ErrEmptyHashKey is returned by NewHasher when constructed with a zero-length
// key. A keyed hash with no key degrades to an unkeyed one, which would let
// an attacker precompute the mapping from address to hashed_address.
var ErrEmptyHashKey = errors.New("identity: hash key must not be empty")

// Hasher produces the opaque hashed_address used everywhere a Principal is
// referenced. The mapping is deterministic and one-way: the same raw address
// always hashes to the same value, but the hash is never reversed.
type Hasher struct {
	key []byte
}

// NewHasher builds a Hasher from the deployment's secret key. The key never
// appears in logs, responses, or the store; only its effect (the hash
// output) does.
func NewHasher(key []byte) (*Hasher, error) {
	if len(key) == 0 {
		return nil, ErrEmptyHashKey
	}
	return &Hasher{key: key}, nil
}

// Hash maps a raw network address to its opaque hex32 identifier. The raw
// address is never stored or returned by any component downstream of this
// call.
func (h *Hasher) Hash(address string) (string, error) {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		return "", err
	}
	if _, err := mac.Write([]byte(address)); err != nil {
		return "", err
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}
