package util

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRoundToTick(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		x        string
		tick     string
		expected string
	}{
		{"basic rounding down", "1.2345", "0.01", "1.23"},
		{"tie rounds away from zero", "1.235", "0.01", "1.24"},
		{"negative basic rounding", "-1.2345", "0.01", "-1.23"},
		{"larger tick size", "1.27", "0.05", "1.25"},
		{"exact multiple", "1.25", "0.05", "1.25"},
		{"tick larger than magnitude", "0.004", "0.01", "0.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToTick(d(tt.x), d(tt.tick))
			assert.True(t, result.Equal(d(tt.expected)), "RoundToTick(%s, %s) = %s, expected %s", tt.x, tt.tick, result, tt.expected)
		})
	}
}

func TestFloorToTick(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		x        string
		tick     string
		expected string
	}{
		{"exact multiple", "1.30", "0.05", "1.30"},
		{"basic floor", "1.237", "0.01", "1.23"},
		{"negative values", "-1.237", "0.01", "-1.24"},
		{"negative exact multiple", "-1.25", "0.05", "-1.25"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FloorToTick(d(tt.x), d(tt.tick))
			assert.True(t, result.Equal(d(tt.expected)), "FloorToTick(%s, %s) = %s, expected %s", tt.x, tt.tick, result, tt.expected)
		})
	}
}

func TestCeilToTick(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		x        string
		tick     string
		expected string
	}{
		{"exact multiple", "1.30", "0.05", "1.30"},
		{"basic ceil", "1.231", "0.01", "1.24"},
		{"negative values", "-1.231", "0.01", "-1.23"},
		{"negative exact multiple", "-1.25", "0.05", "-1.25"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CeilToTick(d(tt.x), d(tt.tick))
			assert.True(t, result.Equal(d(tt.expected)), "CeilToTick(%s, %s) = %s, expected %s", tt.x, tt.tick, result, tt.expected)
		})
	}
}

func TestTickRoundingEdgeCases(t *testing.T) {
	t.Run("zero tick returns input", func(t *testing.T) {
		input := d("1.2345")
		assert.True(t, RoundToTick(input, decimal.Zero).Equal(input))
		assert.True(t, FloorToTick(input, decimal.Zero).Equal(input))
		assert.True(t, CeilToTick(input, decimal.Zero).Equal(input))
	})

	t.Run("negative tick is a no-op (only positive ticks configured)", func(t *testing.T) {
		input := d("1.2345")
		neg := d("-0.01")
		assert.True(t, RoundToTick(input, neg).Equal(input))
	})
}
