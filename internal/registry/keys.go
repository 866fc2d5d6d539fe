package registry

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyFromPhrase derives an item key from a secret phrase. The registry only
// ever stores and compares the hash, never the phrase.
func KeyFromPhrase(phrase string) common.Hash {
	return crypto.Keccak256Hash([]byte(phrase))
}

// KeyFromID packs a plaintext identifier of at most 32 bytes into a key,
// left-aligned and zero-padded.
func KeyFromID(id string) (common.Hash, error) {
	if id == "" {
		return common.Hash{}, fmt.Errorf("%w: empty identifier", ErrInvalidArgument)
	}
	if len(id) > common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: identifier longer than %d bytes", ErrInvalidArgument, common.HashLength)
	}
	var h common.Hash
	copy(h[:], id)
	return h, nil
}

// ParseHash parses a 0x-prefixed 32-byte hex value, as used for keys and
// claim tokens on the wire.
func ParseHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidArgument, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// ParseAddress parses a 0x-prefixed 20-byte address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	hasPrefix := strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")
	if !hasPrefix || !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: malformed address %q", ErrInvalidArgument, s)
	}
	return common.HexToAddress(s), nil
}
