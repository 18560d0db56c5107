package utxo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
)

const (
	cashAddrCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
	cashAddrP2PKH   = byte(0)
	cashAddrP2SH    = byte(1)
)

var errCashAddrChecksum = errors.New("cashaddr: invalid checksum")

func cashAddrPolymod(values []byte) uint64 {
	c := uint64(1)
	for _, d := range values {
		c0 := byte(c >> 35)
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)
		if c0&0x01 != 0 {
			c ^= 0x98f2bc8e61
		}
		if c0&0x02 != 0 {
			c ^= 0x79b76d99e2
		}
		if c0&0x04 != 0 {
			c ^= 0xf33e5fb3c4
		}
		if c0&0x08 != 0 {
			c ^= 0xae2eabe2a8
		}
		if c0&0x10 != 0 {
			c ^= 0x1e4f43e470
		}
	}
	return c ^ 1
}

func cashAddrPrefixValues(prefix string) []byte {
	out := make([]byte, 0, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		out = append(out, prefix[i]&0x1f)
	}
	return append(out, 0)
}

// encodeCashAddr renders a 160-bit hash as prefix:payload.
func encodeCashAddr(prefix string, typ byte, hash []byte) string {
	payload := append([]byte{typ << 3}, hash...)
	data, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return ""
	}
	checksumInput := append(cashAddrPrefixValues(prefix), data...)
	checksumInput = append(checksumInput, make([]byte, 8)...)
	mod := cashAddrPolymod(checksumInput)
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(':')
	for _, d := range data {
		b.WriteByte(cashAddrCharset[d])
	}
	for i := 0; i < 8; i++ {
		b.WriteByte(cashAddrCharset[(mod>>(5*(7-uint(i))))&0x1f])
	}
	return b.String()
}

func looksLikeCashAddr(raw, prefix string) bool {
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, prefix+":") {
		return true
	}
	return !strings.Contains(lower, ":") && (strings.HasPrefix(lower, "q") || strings.HasPrefix(lower, "p"))
}

// decodeCashAddr parses an address with or without its prefix.
func decodeCashAddr(raw, defaultPrefix string) (byte, []byte, error) {
	if strings.ToLower(raw) != raw && strings.ToUpper(raw) != raw {
		return 0, nil, errors.New("cashaddr: mixed case")
	}
	lower := strings.ToLower(raw)
	prefix, body := defaultPrefix, lower
	if i := strings.LastIndexByte(lower, ':'); i >= 0 {
		prefix, body = lower[:i], lower[i+1:]
	}
	if prefix != defaultPrefix {
		return 0, nil, fmt.Errorf("cashaddr: unexpected prefix %q", prefix)
	}
	if len(body) < 9 {
		return 0, nil, errors.New("cashaddr: too short")
	}
	values := make([]byte, len(body))
	for i := 0; i < len(body); i++ {
		idx := strings.IndexByte(cashAddrCharset, body[i])
		if idx < 0 {
			return 0, nil, fmt.Errorf("cashaddr: invalid character %q", body[i])
		}
		values[i] = byte(idx)
	}
	if cashAddrPolymod(append(cashAddrPrefixValues(prefix), values...)) != 0 {
		return 0, nil, errCashAddrChecksum
	}
	payload, err := bech32.ConvertBits(values[:len(values)-8], 5, 8, false)
	if err != nil {
		return 0, nil, fmt.Errorf("cashaddr: %w", err)
	}
	if len(payload) != 21 {
		return 0, nil, fmt.Errorf("cashaddr: unsupported payload length %d", len(payload))
	}
	version := payload[0]
	if version&0x07 != 0 {
		return 0, nil, errors.New("cashaddr: unsupported hash size")
	}
	typ := version >> 3
	if typ != cashAddrP2PKH && typ != cashAddrP2SH {
		return 0, nil, fmt.Errorf("cashaddr: unknown address type %d", typ)
	}
	return typ, payload[1:], nil
}
