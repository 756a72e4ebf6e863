package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLikePatterns(t *testing.T) {
	tests := []struct {
		term     string
		contains string
		prefix   string
	}{
		{"amox", "%amox%", "amox%"},
		{"100%", `%100\%%`, `100\%%`},
		{"vit_d", `%vit\_d%`, `vit\_d%`},
		{`a\b`, `%a\\b%`, `a\\b%`},
		{"", "%%", "%"},
	}
	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			assert.Equal(t, tt.contains, Contains(tt.term))
			assert.Equal(t, tt.prefix, Prefix(tt.term))
		})
	}
}
