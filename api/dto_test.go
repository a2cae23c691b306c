package api

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestDisplayAmount(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		want     string
	}{
		{"thousands separator", "1234.5", "USD", "$1,234.50"},
		{"rounds to minor unit", "10.005", "USD", "$10.01"},
		{"negative", "-42", "USD", "-$42.00"},
		{"unknown currency", "1", "XXXX", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayAmount(decimal.RequireFromString(tt.amount), tt.currency))
		})
	}
}
