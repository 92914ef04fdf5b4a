// Package ingest turns raw documents into clean, chunked, indexed text.
// The flow is loader -> cleaner -> metadata -> chunker -> stores, driven
// by the Pipeline.
package ingest

import (
	"regexp"
	"strings"
)

// Cleaner normalizes raw document text before chunking. Cleaning is
// idempotent: running it twice yields the same output.
type Cleaner struct {
	crlf        *regexp.Regexp
	tabs        *regexp.Regexp
	blankLines  *regexp.Regexp
	spaceRuns   *regexp.Regexp
	controlChar *regexp.Regexp
}

// NewCleaner compiles the normalization patterns.
func NewCleaner() *Cleaner {
	return &Cleaner{
		crlf:       regexp.MustCompile(`\r\n?`),
		tabs:       regexp.MustCompile(`\t`),
		blankLines: regexp.MustCompile(`\n{3,}`),
		spaceRuns:  regexp.MustCompile(` {3,}`),
		// C0 controls and DEL, except newline and tab (tab is already
		// rewritten to a space before this runs)
		controlChar: regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]"),
	}
}

// Clean normalizes line endings and whitespace and strips control
// characters.
func (c *Cleaner) Clean(text string) string {
	text = c.crlf.ReplaceAllString(text, "\n")
	text = c.tabs.ReplaceAllString(text, " ")
	text = c.controlChar.ReplaceAllString(text, "")
	text = c.blankLines.ReplaceAllString(text, "\n\n")
	text = c.spaceRuns.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
