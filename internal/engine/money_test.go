package engine

import "testing"

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"600", 60000, false},
		{"600.50", 60050, false},
		{"600.5", 60050, false},
		{"$1,000", 0, true},
		{"$250", 25000, false},
		{"0.01", 1, false},
		{"600.505", 0, true},
		{"", 0, true},
		{"abc", 0, true},
		{"-5", 0, true},
	}
	for _, c := range cases {
		got, err := parseAmount(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseAmount(%q) = %d, want error", c.in, got)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("parseAmount(%q) = %d, %v; want %d", c.in, got, err, c.want)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{60000, "600"},
		{60050, "600.50"},
		{1, "0.01"},
		{0, "0"},
	}
	for _, c := range cases {
		if got := formatAmount(c.in); got != c.want {
			t.Errorf("formatAmount(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseMilestoneLine(t *testing.T) {
	m, err := parseMilestoneLine("Design the homepage - 600")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Description != "Design the homepage" || m.AmountCents != 60000 {
		t.Fatalf("parsed %+v", m)
	}

	// Splits on the last dash so descriptions may contain dashes.
	m, err = parseMilestoneLine("Back-end API - 250.50")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Description != "Back-end API" || m.AmountCents != 25050 {
		t.Fatalf("parsed %+v", m)
	}

	for _, bad := range []string{"no amount", "- 600", "Design - zero", "Design - 0"} {
		if _, err := parseMilestoneLine(bad); err == nil {
			t.Errorf("parseMilestoneLine(%q) should fail", bad)
		}
	}
}
