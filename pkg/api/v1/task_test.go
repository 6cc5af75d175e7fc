package v1

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		name   string
		prompt string
		want   string
	}{
		{"first line only", "fix the flaky test\nand then some detail", "fix the flaky test"},
		{"trims whitespace", "  deploy the service  \nrest", "deploy the service"},
		{"short prompt unchanged", "hello", "hello"},
		{"long line truncated", strings.Repeat("a", 120), strings.Repeat("a", 80)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveTitle(tc.prompt))
		})
	}
}

func TestDeriveTitleKeepsRunesIntact(t *testing.T) {
	// 100 multi-byte runes; a byte-indexed cut would split one in half.
	prompt := strings.Repeat("ü", 100)
	title := DeriveTitle(prompt)
	assert.True(t, utf8.ValidString(title))
	assert.Equal(t, strings.Repeat("ü", 80), title)
}
