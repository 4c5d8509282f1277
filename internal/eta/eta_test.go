package eta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/model"
)

// 2026-03-02 is a Monday, 2026-03-07 a Saturday.
func weekday(hour int) time.Time {
	return time.Date(2026, 3, 2, hour, 30, 0, 0, time.UTC)
}

func saturday(hour int) time.Time {
	return time.Date(2026, 3, 7, hour, 30, 0, 0, time.UTC)
}

func TestTrafficFactor(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want float64
	}{
		{"weekday midday baseline", weekday(12), 1.2},
		{"morning rush", weekday(8), 1.6},
		{"evening rush", weekday(18), 1.6},
		{"rush window is half open", weekday(10), 1.2},
		{"late night", weekday(23), 0.9},
		{"early morning", weekday(3), 0.9},
		{"night band includes hour five", weekday(5), 0.9},
		{"weekend baseline", saturday(12), 1.2 * 0.85},
		{"weekend rush composes", saturday(8), 1.6 * 0.85},
		{"weekend night composes", saturday(2), 0.9 * 0.85},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, TrafficFactor(tt.at), 1e-9)
		})
	}
}

func TestPointETA(t *testing.T) {
	now := saturday(2) // night + weekend

	t.Run("fallback speed and long leg", func(t *testing.T) {
		// Roughly 10.5 km leg, speed unreported: the estimate falls back
		// to 25 km/h and loses confidence for speed and distance.
		stop := model.Stop{ID: "s1", Lat: 0.0945, Lng: 0}
		result := PointETA(Position{Lat: 0, Lng: 0, SpeedKmh: 0, LastUpdated: now}, stop, now)

		assert.InDelta(t, 0.765, result.TrafficFactor, 1e-9)
		assert.Equal(t, float64(25), result.EffectiveSpeedKmh)
		assert.Greater(t, result.DistanceMeters, 10000.0)
		assert.Equal(t, ConfidenceMedium, result.Confidence)

		expected := result.DistanceMeters / (25.0 / 3.6) * 0.765
		assert.InDelta(t, expected, result.EtaSeconds, 1e-6)
	})

	t.Run("reliable speed short leg is high confidence", func(t *testing.T) {
		stop := model.Stop{ID: "s1", Lat: 0.01, Lng: 0}
		result := PointETA(Position{SpeedKmh: 40, LastUpdated: now}, stop, now)
		assert.Equal(t, float64(40), result.EffectiveSpeedKmh)
		assert.Equal(t, ConfidenceHigh, result.Confidence)
	})

	t.Run("stale sample lowers confidence", func(t *testing.T) {
		stop := model.Stop{ID: "s1", Lat: 0.01, Lng: 0}

		r := PointETA(Position{SpeedKmh: 40, LastUpdated: now.Add(-7 * time.Minute)}, stop, now)
		assert.Equal(t, ConfidenceHigh, r.Confidence) // 100-20

		r = PointETA(Position{SpeedKmh: 40, LastUpdated: now.Add(-15 * time.Minute)}, stop, now)
		assert.Equal(t, ConfidenceMedium, r.Confidence) // 100-40

		r = PointETA(Position{SpeedKmh: 0, LastUpdated: now.Add(-15 * time.Minute)}, stop, now)
		assert.Equal(t, ConfidenceLow, r.Confidence) // 100-30-40
	})

	t.Run("unknown sample age is a small penalty", func(t *testing.T) {
		stop := model.Stop{ID: "s1", Lat: 0.01, Lng: 0}
		r := PointETA(Position{SpeedKmh: 40}, stop, now)
		assert.Equal(t, ConfidenceHigh, r.Confidence) // 100-10
	})
}

func TestRouteETAs(t *testing.T) {
	now := weekday(12)
	stops := []model.Stop{
		{ID: "a", Name: "Alpha", Lat: 0.01, Lng: 0},
		{ID: "b", Name: "Bravo", Lat: 0.02, Lng: 0},
		{ID: "c", Name: "Charlie", Lat: 0.03, Lng: 0},
	}
	pos := Position{Lat: 0, Lng: 0, SpeedKmh: 30, LastUpdated: now}

	etas := RouteETAs(pos, stops, now)
	require.Len(t, etas, 3)

	t.Run("cumulative and monotonic", func(t *testing.T) {
		prev := 0.0
		for i, e := range etas {
			assert.GreaterOrEqual(t, e.EtaSeconds, prev, "stop %d", i)
			assert.GreaterOrEqual(t, e.EtaSeconds, 0.0)
			prev = e.EtaSeconds
		}
	})

	t.Run("dwell separates consecutive stops", func(t *testing.T) {
		// Legs are equal length, so each subsequent arrival is at least
		// one leg plus the 30 s dwell after the previous one.
		assert.Greater(t, etas[1].EtaSeconds-etas[0].EtaSeconds, 30.0)
	})

	t.Run("arrival timestamps track the cumulative seconds", func(t *testing.T) {
		for _, e := range etas {
			expected := now.Add(time.Duration(e.EtaSeconds * float64(time.Second)))
			assert.WithinDuration(t, expected, e.ArrivalTime, time.Millisecond)
		}
	})

	t.Run("empty stop list yields empty result", func(t *testing.T) {
		assert.Empty(t, RouteETAs(pos, nil, now))
	})

	t.Run("fallback speed carries to later legs", func(t *testing.T) {
		slow := Position{Lat: 0, Lng: 0, SpeedKmh: 0, LastUpdated: now}
		got := RouteETAs(slow, stops, now)
		// Every leg runs at the 25 km/h fallback; leg two equals leg one
		// plus dwell since the geometry is uniform.
		legOne := got[0].EtaSeconds
		assert.InDelta(t, legOne+30+legOne, got[1].EtaSeconds, 1.0)
	})
}
