package types

import (
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestParseBaseUnit(t *testing.T) {
	c := qt.New(t)

	n, err := ParseBaseUnit("1000000000000000000")
	c.Assert(err, qt.IsNil)
	c.Assert(n.String(), qt.Equals, "1000000000000000000")

	for _, bad := range []string{"", "0", "-5", "+5", "1.5", "1e18", "0x10", " 1"} {
		_, err := ParseBaseUnit(bad)
		c.Assert(err, qt.IsNotNil, qt.Commentf("input %q", bad))
	}
}

func TestParseUnits(t *testing.T) {
	c := qt.New(t)

	cases := []struct {
		in       string
		decimals int
		want     string
	}{
		{"1", 18, "1000000000000000000"},
		{"1.5", 6, "1500000"},
		{"0.000001", 6, "1"},
		{"123", 0, "123"},
		{"-2.5", 2, "-250"},
		{".5", 1, "5"},
	}
	for _, tc := range cases {
		got, err := ParseUnits(tc.in, tc.decimals)
		c.Assert(err, qt.IsNil, qt.Commentf("input %q", tc.in))
		c.Assert(got.String(), qt.Equals, tc.want, qt.Commentf("input %q", tc.in))
	}

	_, err := ParseUnits("1.1234567", 6)
	c.Assert(err, qt.IsNotNil)
	_, err = ParseUnits("", 6)
	c.Assert(err, qt.IsNotNil)
	_, err = ParseUnits(".", 6)
	c.Assert(err, qt.IsNotNil)
}

func TestFormatUnitsRoundTrip(t *testing.T) {
	c := qt.New(t)

	cases := []struct {
		in       string
		decimals int
	}{
		{"1", 18},
		{"0.5", 18},
		{"1.000001", 6},
		{"42", 0},
		{"0.1", 1},
		{"1000000", 6},
	}
	for _, tc := range cases {
		wei, err := ParseUnits(tc.in, tc.decimals)
		c.Assert(err, qt.IsNil)
		back := FormatUnits(wei, tc.decimals)
		norm, err := ParseUnits(back, tc.decimals)
		c.Assert(err, qt.IsNil)
		c.Assert(norm.Cmp(wei), qt.Equals, 0, qt.Commentf("input %q", tc.in))
	}

	c.Assert(FormatUnits(big.NewInt(1500000), 6), qt.Equals, "1.5")
	c.Assert(FormatUnits(big.NewInt(0), 6), qt.Equals, "0")
	c.Assert(FormatUnits(nil, 6), qt.Equals, "0")
}
