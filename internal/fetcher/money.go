package fetcher

import (
	"math"
	"strconv"
	"strings"
)

var currencySymbols = map[string]string{
	"GBP": "£",
	"EUR": "€",
	"USD": "US$",
}

// FormatCurrency renders amount the way en-GB shops print prices, for
// example "£1,234.50". Codes without a symbol are followed by a no-break
// space, as in "CHF\u00a01.00".
func FormatCurrency(amount float64, code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	symbol, ok := currencySymbols[code]
	if !ok {
		symbol = code + "\u00a0"
	}
	digits := strconv.FormatFloat(math.Abs(amount), 'f', 2, 64)
	whole, frac, _ := strings.Cut(digits, ".")

	var b strings.Builder
	if amount < 0 && digits != "0.00" {
		b.WriteByte('-')
	}
	b.WriteString(symbol)
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}

// FormatGBP is FormatCurrency in pounds.
func FormatGBP(amount float64) string {
	return FormatCurrency(amount, "GBP")
}

// parseAmount reads the number out of a printed price such as "£12.99".
func parseAmount(text string) (float64, bool) {
	var b strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
