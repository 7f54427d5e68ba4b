// Package address derives the canonical record address of every persisted
// entity from (kind, parent address, local id). Any caller can recompute an
// expected address and compare it against an untrusted record handle before
// reading the record's contents.
package address

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Kind is the seed that namespaces one entity type.
type Kind string

const (
	KindConfig Kind = "config"
	KindRound  Kind = "round"
	KindGroup  Kind = "group_asset"
	KindAsset  Kind = "asset"
	KindBet    Kind = "bet"
	KindVault  Kind = "vault"
)

// Address is a 32-byte record address.
type Address [32]byte

var ErrInvalidAddress = errors.New("address: invalid hex address")

// Derive hashes kind, parent and the little-endian local id.
func Derive(kind Kind, parent Address, localID uint64) Address {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], localID)

	h := sha256.New()
	h.Write([]byte(kind))
	h.Write(parent[:])
	h.Write(id[:])

	var out Address
	copy(out[:], h.Sum(nil))
	return out
}

// Config is the address of the singleton config record.
func Config() Address {
	return Derive(KindConfig, Address{}, 0)
}

func Round(roundID uint64) Address {
	return Derive(KindRound, Address{}, roundID)
}

func Bet(roundID, betID uint64) Address {
	return Derive(KindBet, Round(roundID), betID)
}

func Group(roundID, groupID uint64) Address {
	return Derive(KindGroup, Round(roundID), groupID)
}

func Asset(roundID, groupID, assetID uint64) Address {
	return Derive(KindAsset, Group(roundID, groupID), assetID)
}

// Vault is the custody account holding a round's staked value.
func Vault(roundID uint64) Address {
	return Derive(KindVault, Round(roundID), 0)
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// MarshalText encodes a as lowercase hex.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a hex address.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Parse decodes a 64-character hex string.
func Parse(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(a) {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	copy(a[:], b)
	return a, nil
}
