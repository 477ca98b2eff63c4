package lights

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateColor(t *testing.T) {
	tests := []struct {
		name      string
		h, s, v   int
		wantField string
	}{
		{name: "all zero", h: 0, s: 0, v: 0},
		{name: "all max", h: 360, s: 100, v: 100},
		{name: "mid", h: 180, s: 50, v: 50},
		{name: "hue negative", h: -1, s: 50, v: 50, wantField: "hue"},
		{name: "hue too big", h: 361, s: 50, v: 50, wantField: "hue"},
		{name: "saturation negative", h: 10, s: -1, v: 50, wantField: "saturation"},
		{name: "saturation too big", h: 10, s: 101, v: 50, wantField: "saturation"},
		{name: "brightness too big", h: 10, s: 10, v: 101, wantField: "brightness"},
		{name: "brightness negative", h: 10, s: 10, v: -5, wantField: "brightness"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateColor(tt.h, tt.s, tt.v)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestValidateBrightness(t *testing.T) {
	assert.NoError(t, ValidateBrightness(0))
	assert.NoError(t, ValidateBrightness(100))
	assert.Error(t, ValidateBrightness(-1))
	assert.Error(t, ValidateBrightness(101))
}

func TestValidationErrorMessage(t *testing.T) {
	err := ValidateColor(400, 0, 0)
	assert.EqualError(t, err, "hue 400 out of range [0, 360]")
}
