package attendance

import (
	"math"
	"testing"
)

func TestDistanceKnownPoints(t *testing.T) {
	// Two points in Accra roughly 3.5km apart: 0.028 deg of latitude
	// (~3114m) and 0.0137 deg of longitude (~1516m at this latitude).
	d := Distance(5.6228, -0.1733, 5.6508, -0.1870)
	if d < 3300 || d > 3650 {
		t.Errorf("distance = %.0fm, want roughly 3.5km", d)
	}
}

func TestDistanceZero(t *testing.T) {
	if d := Distance(5.65, -0.18, 5.65, -0.18); d != 0 {
		t.Errorf("distance to self = %f, want 0", d)
	}
}

func TestDistanceSmallOffsets(t *testing.T) {
	// One degree of latitude is ~111.2km, so 0.000449 deg is just under
	// 50m and 0.000459 deg just over — the offsets the geofence tests use.
	inside := Distance(0, 0, 0.000449, 0)
	if inside > GeofenceRadiusMeters {
		t.Errorf("inside offset measures %.2fm, want <= %.0f", inside, GeofenceRadiusMeters)
	}
	if inside < 45 {
		t.Errorf("inside offset measures %.2fm, expected near the boundary", inside)
	}
	outside := Distance(0, 0, 0.000459, 0)
	if outside <= GeofenceRadiusMeters {
		t.Errorf("outside offset measures %.2fm, want > %.0f", outside, GeofenceRadiusMeters)
	}
}

func TestDistanceSymmetry(t *testing.T) {
	a := Distance(5.6, -0.2, 5.7, -0.1)
	b := Distance(5.7, -0.1, 5.6, -0.2)
	if math.Abs(a-b) > 1e-6 {
		t.Errorf("distance not symmetric: %f vs %f", a, b)
	}
}
