package types

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var addressRx = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsHexAddress reports whether s looks like a 20-byte hex address with 0x
// prefix, regardless of checksum casing.
func IsHexAddress(s string) bool {
	return addressRx.MatchString(s)
}

// ChecksumAddress canonicalizes an address to its EIP-55 checksummed form.
// All-lowercase and all-uppercase inputs are accepted as unchecksummed and
// canonicalized. A mixed-case input must carry a valid checksum; when it does
// not, the all-lowercase form is returned together with ok=false so the
// caller can log a warning instead of silently rewriting user input.
func ChecksumAddress(s string) (addr string, ok bool) {
	if !addressRx.MatchString(s) {
		return "", false
	}
	lower := "0x" + strings.ToLower(s[2:])
	upper := "0x" + strings.ToUpper(s[2:])
	checksummed := common.HexToAddress(s).Hex()
	if s == lower || s == upper || s == checksummed {
		return checksummed, true
	}
	return lower, false
}
