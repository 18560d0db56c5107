package tron

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const addressVersion byte = 0x41

// Address is a 20-byte Tron account id.
type Address [20]byte

// ParseAddress decodes a base58check Tron address (T...).
func ParseAddress(raw string) (Address, error) {
	payload, version, err := base58.CheckDecode(raw)
	if err != nil {
		return Address{}, fmt.Errorf("tron: decode address: %w", err)
	}
	if version != addressVersion {
		return Address{}, fmt.Errorf("tron: address version %#x", version)
	}
	if len(payload) != 20 {
		return Address{}, errors.New("tron: address payload must be 20 bytes")
	}
	var out Address
	copy(out[:], payload)
	return out, nil
}

// AddressFromKey derives the account controlled by key.
func AddressFromKey(key *ecdsa.PrivateKey) Address {
	return Address(crypto.PubkeyToAddress(key.PublicKey))
}

func (a Address) String() string { return base58.CheckEncode(a[:], addressVersion) }

// abiWord left-pads the address into a 32-byte ABI argument.
func (a Address) abiWord() []byte { return common.LeftPadBytes(a[:], 32) }
