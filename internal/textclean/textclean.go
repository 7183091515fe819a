// Package textclean turns scraped HTML fragments into plain text.
package textclean

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	blockBreak = regexp.MustCompile(`(?i)<\s*(br\s*/?|/p|/li|/div|/h[1-6])\s*>`)
	spaces     = regexp.MustCompile(`[ \t\r\f\v]+`)
	blankLines = regexp.MustCompile(`\n\s*\n+`)
)

// Cleaner strips markup with a strict policy.
type Cleaner struct {
	policy *bluemonday.Policy
}

func New() *Cleaner {
	return &Cleaner{policy: bluemonday.StrictPolicy()}
}

// ToText removes all markup from fragment, keeping block boundaries as
// line breaks.
func (c *Cleaner) ToText(fragment string) string {
	withBreaks := blockBreak.ReplaceAllString(fragment, "$0\n")
	text := html.UnescapeString(c.policy.Sanitize(withBreaks))

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaces.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankLines.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}

// Line collapses all whitespace in s into single spaces.
func Line(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
