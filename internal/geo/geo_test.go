package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceM(t *testing.T) {
	assert.InDelta(t, 0, DistanceM(47.39, 8.54, 47.39, 8.54), 1e-9)
	// One degree of latitude is roughly 111.2 km.
	assert.InDelta(t, 111195, DistanceM(0, 0, 1, 0), 10)
}

func TestOffsetRoundTrip(t *testing.T) {
	lat, lon := Offset(47.397742, 8.545594, 30, -40)
	n, e := LocalNE(47.397742, 8.545594, lat, lon)
	assert.InDelta(t, 30, n, 0.01)
	assert.InDelta(t, -40, e, 0.01)
	assert.InDelta(t, 50, DistanceM(47.397742, 8.545594, lat, lon), 0.5)
}

func TestBodyToNED(t *testing.T) {
	n, e := BodyToNED(10, 0, 90)
	assert.InDelta(t, 0, n, 1e-9)
	assert.InDelta(t, 10, e, 1e-9)

	n, e = BodyToNED(0, 10, 0)
	assert.InDelta(t, 0, n, 1e-9)
	assert.InDelta(t, 10, e, 1e-9)
}

func TestBearingDeg(t *testing.T) {
	assert.InDelta(t, 0, BearingDeg(0, 0, 1, 0), 1e-6)
	assert.InDelta(t, 90, BearingDeg(0, 0, 0, 1), 1e-6)
	b := BearingDeg(0, 0, -1, 0)
	assert.True(t, math.Abs(b-180) < 1e-6)
}
