package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTitle(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "h1 wins over earlier text",
			text: "intro paragraph\n\n# Refund Policy\n\nbody",
			want: "Refund Policy",
		},
		{
			name: "first non-empty line without h1",
			text: "\n\nShipping times by region\nmore text",
			want: "Shipping times by region",
		},
		{
			name: "h2 is not a title",
			text: "## Section\nActual first line wins",
			want: "## Section",
		},
		{
			name: "empty text",
			text: "",
			want: "",
		},
		{
			name: "long title clipped",
			text: "# " + strings.Repeat("w", 200),
			want: strings.Repeat("w", 120),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTitle(tt.text))
		})
	}
}

func TestExtractMetadata(t *testing.T) {
	text := "# Title\n\nTwo words here.\n\n## Sub\n\nmore body text"
	meta := ExtractMetadata(text)

	assert.Equal(t, 2, meta["heading_count"])
	assert.Equal(t, 10, meta["word_count"])
	assert.Equal(t, len([]rune(text)), meta["char_count"])
}

func TestExtractMetadata_Empty(t *testing.T) {
	meta := ExtractMetadata("")
	assert.Equal(t, 0, meta["char_count"])
	assert.Equal(t, 0, meta["word_count"])
	assert.Equal(t, 0, meta["heading_count"])
}
