package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in    string
		scale int32
		want  string
		ok    bool
	}{
		{"100.00", 4, "100.0000", true},
		{"0.0001", 4, "0.0001", true},
		{"50", 2, "50.00", true},
		{"100.12345", 4, "", false}, // over-scale, refused not rounded
		{"abc", 4, "", false},
		{"", 4, "", false},
	}
	for _, c := range cases {
		got, err := ParseAmount(c.in, c.scale)
		if c.ok != (err == nil) {
			t.Errorf("ParseAmount(%q, %d): err = %v, want ok=%v", c.in, c.scale, err, c.ok)
			continue
		}
		if c.ok && got.StringFixed(c.scale) != c.want {
			t.Errorf("ParseAmount(%q, %d) = %s, want %s", c.in, c.scale, got, c.want)
		}
	}
}

func TestParseAmountOverScaleIsValidation(t *testing.T) {
	_, err := ParseAmount("1.00001", 4)
	if !IsValidation(err) {
		t.Fatalf("over-scale amount: got %v, want ValidationError", err)
	}
}

func TestRequirePositive(t *testing.T) {
	if err := RequirePositive(decimal.NewFromInt(1)); err != nil {
		t.Errorf("positive amount: unexpected error %v", err)
	}
	if err := RequirePositive(decimal.Zero); err == nil {
		t.Error("zero amount: want error, got nil")
	}
	if err := RequirePositive(decimal.NewFromInt(-5)); err == nil {
		t.Error("negative amount: want error, got nil")
	}
}

func TestFormatAmount(t *testing.T) {
	d := decimal.RequireFromString("100.5")
	if got := FormatAmount(d, 4); got != "100.5000" {
		t.Errorf("FormatAmount = %s, want 100.5000", got)
	}
}
