package types

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseBaseUnit parses a base-unit amount encoded as a decimal integer
// string. It rejects empty strings, signs, decimal points and zero, since a
// withdrawal of zero base units is never valid.
func ParseBaseUnit(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("amount %q is not a positive integer", s)
		}
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a positive integer", s)
	}
	if n.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %q", s)
	}
	return n, nil
}

// ParseUnits converts a human decimal string into base units for a token with
// the given number of decimals, exactly and without floats. "1.5" with 6
// decimals yields 1500000. Fractional digits beyond the token's precision are
// rejected rather than silently truncated.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("negative decimals %d", decimals)
	}
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", s, decimals)
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	n, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	if neg {
		n.Neg(n)
	}
	return n, nil
}

// FormatUnits renders a base-unit integer as a human decimal string with
// trailing zeros trimmed. It is the inverse of ParseUnits for every value
// that ParseUnits accepts.
func FormatUnits(n *big.Int, decimals int) string {
	if n == nil {
		return "0"
	}
	s := new(big.Int).Abs(n).String()
	sign := ""
	if n.Sign() < 0 {
		sign = "-"
	}
	if decimals == 0 {
		return sign + s
	}
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	whole := s[:len(s)-decimals]
	frac := strings.TrimRight(s[len(s)-decimals:], "0")
	if frac == "" {
		return sign + whole
	}
	return sign + whole + "." + frac
}
