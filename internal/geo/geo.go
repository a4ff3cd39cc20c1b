// Package geo has the small amount of spherical geometry the flight tools need.
package geo

import "math"

const (
	// EarthRadiusM is the mean radius used for haversine distances.
	EarthRadiusM = 6371e3
	// equatorialRadiusM is used for local metre to degree offsets.
	equatorialRadiusM = 6378137.0
)

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }

// DistanceM returns the great-circle distance between two coordinates.
func DistanceM(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := radians(lat1), radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return EarthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Offset moves a coordinate by north and east metres.
func Offset(lat, lon, northM, eastM float64) (float64, float64) {
	dLat := northM / equatorialRadiusM
	dLon := eastM / (equatorialRadiusM * math.Cos(radians(lat)))
	return lat + degrees(dLat), lon + degrees(dLon)
}

// BodyToNED rotates a forward/right offset by the heading into north/east metres.
func BodyToNED(forwardM, rightM, headingDeg float64) (northM, eastM float64) {
	h := radians(headingDeg)
	northM = forwardM*math.Cos(h) - rightM*math.Sin(h)
	eastM = forwardM*math.Sin(h) + rightM*math.Cos(h)
	return northM, eastM
}

// BearingDeg returns the initial bearing from the first coordinate to the second, in [0, 360).
func BearingDeg(lat1, lon1, lat2, lon2 float64) float64 {
	phi1, phi2 := radians(lat1), radians(lat2)
	dLambda := radians(lon2 - lon1)
	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return math.Mod(degrees(math.Atan2(y, x))+360, 360)
}

// LocalNE returns the north and east metres of the second coordinate relative to the first.
func LocalNE(lat1, lon1, lat2, lon2 float64) (northM, eastM float64) {
	northM = radians(lat2-lat1) * equatorialRadiusM
	eastM = radians(lon2-lon1) * equatorialRadiusM * math.Cos(radians(lat1))
	return northM, eastM
}
