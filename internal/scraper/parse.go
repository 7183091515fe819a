package scraper

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/maltedev/fashion-scraper/internal/models"
)

var (
	currencySymbols = strings.NewReplacer("£", "", "€", "", "$", "", "GBP", "", "EUR", "", "USD", "", ",", "")
	ratingPattern   = regexp.MustCompile(`(\d+(?:[.,]\d+)?)`)
	countPattern    = regexp.MustCompile(`\d[\d,.]*`)
	percentPattern  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	widthPattern    = regexp.MustCompile(`(?i)width\s*:\s*(\d+(?:\.\d+)?)\s*%`)
)

// ParsePrice strips currency symbols and thousands separators and converts
// the rest to a float. When conversion fails the cleaned text is kept.
func ParsePrice(text string) *models.Price {
	cleaned := strings.TrimSpace(strings.Join(strings.Fields(currencySymbols.Replace(text)), " "))
	if cleaned == "" {
		return nil
	}
	if amount, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return &models.Price{Amount: &amount}
	}
	return &models.Price{Raw: cleaned}
}

// ParseRating returns the first decimal number in text, e.g. "4.5 out of 5".
func ParseRating(text string) *float64 {
	m := ratingPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
	if err != nil {
		return nil
	}
	return &v
}

// ParseCount returns the first integer in text, e.g. "(1,234 Reviews)".
func ParseCount(text string) *int {
	m := countPattern.FindString(text)
	if m == "" {
		return nil
	}
	m = strings.NewReplacer(",", "", ".", "").Replace(m)
	v, err := strconv.Atoi(m)
	if err != nil {
		return nil
	}
	return &v
}

// ParsePercent reads a percentage from an inline style ("width: 75%") or
// from text ("75%"). It returns nil when neither is present.
func ParsePercent(style, text string) *float64 {
	for _, candidate := range []struct {
		re *regexp.Regexp
		s  string
	}{{widthPattern, style}, {percentPattern, text}} {
		if candidate.s == "" {
			continue
		}
		m := candidate.re.FindStringSubmatch(candidate.s)
		if m == nil {
			continue
		}
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return &v
		}
	}
	return nil
}
