package ingest

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	headingPattern = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	h1Pattern      = regexp.MustCompile(`(?m)^#\s+(.+)$`)
)

const titleMax = 120

// ExtractMetadata computes basic document statistics from cleaned text.
func ExtractMetadata(text string) map[string]interface{} {
	return map[string]interface{}{
		"char_count":    utf8.RuneCountInString(text),
		"word_count":    len(strings.Fields(text)),
		"heading_count": len(headingPattern.FindAllString(text, -1)),
	}
}

// ExtractTitle picks a document title: the first markdown H1 if one
// exists, otherwise the first non-empty line, truncated.
func ExtractTitle(text string) string {
	if m := h1Pattern.FindStringSubmatch(text); m != nil {
		return clipTitle(m[1])
	}
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return clipTitle(trimmed)
		}
	}
	return ""
}

func clipTitle(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > titleMax {
		return string(runes[:titleMax])
	}
	return s
}
