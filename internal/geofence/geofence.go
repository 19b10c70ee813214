// Package geofence tests phone positions against the static POI set.
package geofence

import (
	"math"

	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/poi"
)

// EarthRadiusMeters is the mean Earth radius used by the spherical model.
const EarthRadiusMeters = 6371000.0

type Point struct {
	Lat float64
	Lon float64
}

// Distance returns the great-circle distance in meters between a and b using
// the haversine formula.
func Distance(a, b Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// InRange reports whether p lies within the POI's radius. The boundary is
// inclusive.
func InRange(p Point, target poi.POI) bool {
	return Distance(p, Point{Lat: target.Latitude, Lon: target.Longitude}) <= target.Radius
}

type Hit struct {
	POI      poi.POI
	Distance float64
}

// Evaluator checks positions against a fixed POI set.
type Evaluator struct {
	pois []poi.POI
}

func NewEvaluator(pois []poi.POI) *Evaluator {
	return &Evaluator{pois: append([]poi.POI(nil), pois...)}
}

func (e *Evaluator) Len() int { return len(e.pois) }

// Evaluate returns every POI whose radius contains p, in load order.
func (e *Evaluator) Evaluate(p Point) []Hit {
	var hits []Hit
	for _, target := range e.pois {
		d := Distance(p, Point{Lat: target.Latitude, Lon: target.Longitude})
		if d <= target.Radius {
			hits = append(hits, Hit{POI: target, Distance: d})
		}
	}
	return hits
}
