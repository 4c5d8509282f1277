package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	t.Run("same point is zero", func(t *testing.T) {
		assert.Zero(t, Distance(-6.8, 39.28, -6.8, 39.28))
	})

	t.Run("one degree of latitude", func(t *testing.T) {
		// One degree of latitude is ~111.2 km anywhere on the globe.
		d := Distance(0, 0, 1, 0)
		assert.InDelta(t, 111195, d, 100)
	})

	t.Run("symmetric", func(t *testing.T) {
		a := Distance(-6.7924, 39.2083, -6.8161, 39.2803)
		b := Distance(-6.8161, 39.2803, -6.7924, 39.2083)
		assert.InDelta(t, a, b, 1e-9)
	})

	t.Run("city scale", func(t *testing.T) {
		// Central Kigali to the airport, roughly 9.5 km as the crow flies.
		d := Distance(-1.9441, 30.0619, -1.9686, 30.1395)
		assert.InDelta(t, 9050, d, 500)
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "0s"},
		{45, "45s"},
		{59.4, "59s"},
		{60, "1m"},
		{90, "2m"},
		{745, "12m"},
		{3900, "1h 5m"},
		{7260, "2h 1m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.seconds), "seconds=%v", tt.seconds)
	}
}
