package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// parseAmount converts a decimal amount string ("600", "600.50") into
// integer cents. Amounts are exact: more than two fractional digits or
// anything non-numeric is rejected.
func parseAmount(s string) (int64, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	whole, frac, _ := strings.Cut(s, ".")
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	cents := w * 100
	if frac != "" {
		if len(frac) > 2 {
			return 0, fmt.Errorf("amount %q has sub-cent precision", s)
		}
		for len(frac) < 2 {
			frac += "0"
		}
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		cents += f
	}
	return cents, nil
}

// formatAmount renders cents as a plain decimal string, dropping the
// fraction when whole.
func formatAmount(cents int64) string {
	neg := ""
	if cents < 0 {
		neg = "-"
		cents = -cents
	}
	if cents%100 == 0 {
		return fmt.Sprintf("%s%d", neg, cents/100)
	}
	return fmt.Sprintf("%s%d.%02d", neg, cents/100, cents%100)
}
