package escrow

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"
)

const (
	maxContractBytes = 4096
	maxPartyLength   = 64
	idPrefix         = "esc"
)

// NewID derives an escrow identifier from the timestamp and 16 bytes read from
// random. A nil reader uses crypto/rand.
func NewID(now time.Time, random io.Reader) (string, error) {
	if random == nil {
		random = rand.Reader
	}
	buf := make([]byte, 8+16)
	binary.BigEndian.PutUint64(buf[:8], uint64(now.UnixNano()))
	if _, err := io.ReadFull(random, buf[8:]); err != nil {
		return "", fmt.Errorf("escrow: read entropy: %w", err)
	}
	sum := blake3.Sum256(buf)
	return idPrefix + hex.EncodeToString(sum[:8]), nil
}

// NormalizeParty canonicalises an identity so that comparisons are stable
// across casing and unicode compatibility forms.
func NormalizeParty(raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(norm.NFKC.String(raw)))
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(name, "u/")
	name = strings.TrimPrefix(name, "@")
	if name == "" || len(name) > maxPartyLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidParty, raw)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", fmt.Errorf("%w: %q", ErrInvalidParty, raw)
		}
	}
	return name, nil
}

func sameParty(actor, party string) bool {
	normalized, err := NormalizeParty(actor)
	if err != nil {
		return false
	}
	return normalized == party
}

// ValidateContract rejects contract text containing statement delimiters.
func ValidateContract(contract string) error {
	if len(contract) > maxContractBytes {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidContract, maxContractBytes)
	}
	if strings.Contains(contract, "--") || strings.Contains(contract, ";") {
		return ErrInvalidContract
	}
	return nil
}

// CleanAddress strips whitespace and the bracket characters users commonly
// wrap pasted addresses in.
func CleanAddress(raw string) string {
	return strings.Trim(strings.TrimSpace(raw), "[]<>() \t\r\n")
}
