package eta

import (
	"time"

	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/model"
)

// Position is a vehicle location sample used as the origin of an
// estimate. A zero LastUpdated means the sample age is unknown.
type Position struct {
	Lat         float64
	Lng         float64
	SpeedKmh    float64
	LastUpdated time.Time
}

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ETA is a single-leg arrival estimate.
type ETA struct {
	DistanceMeters    float64
	EtaSeconds        float64
	EtaFormatted      string
	EffectiveSpeedKmh float64
	TrafficFactor     float64
	Confidence        Confidence
}

// StopETA is one entry of a cumulative route-wide estimate.
type StopETA struct {
	StopID       string
	StopName     string
	EtaSeconds   float64 // cumulative from the vehicle's position
	EtaFormatted string
	ArrivalTime  time.Time
}

const (
	fallbackSpeedKmh = 25 // default urban speed when the report is unreliable
	minReliableSpeed = 5
	dwellSeconds     = 30
	baselineFactor   = 1.2
	nightFactor      = 0.9
	weekendFactor    = 0.85
)

// rushBands are half-open local-hour windows [From, To) with elevated
// traffic. Kept as data so the heuristic stays testable without clock
// mocking.
var rushBands = []struct {
	From, To int
	Factor   float64
}{
	{7, 10, 1.6},
	{17, 20, 1.6},
}

// TrafficFactor returns the travel-time multiplier for the given local
// time. Day-part and day-type adjustments compose multiplicatively.
func TrafficFactor(now time.Time) float64 {
	hour := now.Hour()

	factor := baselineFactor
	matched := false
	for _, band := range rushBands {
		if hour >= band.From && hour < band.To {
			factor = band.Factor
			matched = true
			break
		}
	}
	if !matched && (hour >= 22 || hour <= 5) {
		factor = nightFactor
	}

	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		factor *= weekendFactor
	}
	return factor
}

func confidence(pos Position, distanceMeters float64, now time.Time) Confidence {
	score := 100

	if pos.SpeedKmh <= minReliableSpeed {
		score -= 30
	}
	if distanceMeters > 10000 {
		score -= 25
	}
	if pos.LastUpdated.IsZero() {
		score -= 10
	} else {
		age := now.Sub(pos.LastUpdated).Minutes()
		if age > 10 {
			score -= 40
		} else if age > 5 {
			score -= 20
		}
	}

	switch {
	case score >= 75:
		return ConfidenceHigh
	case score >= 45:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// PointETA estimates the arrival time from pos to a single stop,
// factoring in time-of-day traffic and a confidence score for the
// estimate's trustworthiness.
func PointETA(pos Position, target model.Stop, now time.Time) ETA {
	factor := TrafficFactor(now)

	effectiveSpeed := pos.SpeedKmh
	if effectiveSpeed <= minReliableSpeed {
		effectiveSpeed = fallbackSpeedKmh
	}

	distance := geo.Distance(pos.Lat, pos.Lng, target.Lat, target.Lng)
	speedMps := effectiveSpeed / 3.6
	etaSeconds := (distance / speedMps) * factor

	return ETA{
		DistanceMeters:    distance,
		EtaSeconds:        etaSeconds,
		EtaFormatted:      geo.FormatDuration(etaSeconds),
		EffectiveSpeedKmh: effectiveSpeed,
		TrafficFactor:     factor,
		Confidence:        confidence(pos, distance, now),
	}
}

// RouteETAs walks the remaining stops once and accumulates leg-by-leg
// estimates. Each leg starts from the previous stop at that leg's
// effective speed, with a fixed dwell added at every stop before the
// next leg. The result is recomputed fresh on every call.
func RouteETAs(pos Position, stops []model.Stop, now time.Time) []StopETA {
	cumulative := 0.0
	origin := pos

	out := make([]StopETA, 0, len(stops))
	for _, stop := range stops {
		leg := PointETA(origin, stop, now)
		cumulative += leg.EtaSeconds

		out = append(out, StopETA{
			StopID:       stop.ID,
			StopName:     stop.Name,
			EtaSeconds:   cumulative,
			EtaFormatted: geo.FormatDuration(cumulative),
			ArrivalTime:  now.Add(time.Duration(cumulative * float64(time.Second))),
		})

		origin = Position{
			Lat:         stop.Lat,
			Lng:         stop.Lng,
			SpeedKmh:    leg.EffectiveSpeedKmh,
			LastUpdated: pos.LastUpdated,
		}
		cumulative += dwellSeconds
	}
	return out
}
