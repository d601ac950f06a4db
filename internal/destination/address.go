package destination

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidAddress is returned for a malformed deposit address.
var ErrInvalidAddress = errors.New("destination: invalid bitcoin address")

// Legacy base58 (P2PKH/P2SH) or bech32 segwit address.
var (
	base58Address = regexp.MustCompile(`^[13][a-km-zA-HJ-NP-Z1-9]{25,34}$`)
	bech32Address = regexp.MustCompile(`^bc1[ac-hj-np-z02-9]{11,71}$`)
)

// ParseAddress trims and validates a bitcoin deposit address. Bech32
// addresses are accepted in either case and returned lower-cased. The
// checksum is not verified.
func ParseAddress(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if base58Address.MatchString(addr) {
		return addr, nil
	}
	if lower := strings.ToLower(addr); bech32Address.MatchString(lower) {
		return lower, nil
	}
	return "", ErrInvalidAddress
}
