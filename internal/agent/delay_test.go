package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampDelay(t *testing.T) {
	tests := []struct {
		name    string
		hours   float64
		want    float64
		clamped bool
	}{
		{"below minimum", 0, 2, true},
		{"above maximum", 24, 10, true},
		{"inside window", 5, 5, false},
		{"at minimum", 2, 2, false},
		{"at maximum", 10, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, clamped := ClampDelay(tt.hours, 2, 10)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.clamped, clamped)
		})
	}
}

func TestClampDelay_InvertedWindow(t *testing.T) {
	got, clamped := ClampDelay(1, 6, 3)
	assert.Equal(t, 6.0, got)
	assert.True(t, clamped)
}
