package attendance

import (
	"testing"
	"time"
)

const testKey = "test-signing-key"

func TestSessionTokenRoundtrip(t *testing.T) {
	lat, lon := 5.65, -0.18
	token, exp, err := IssueSessionToken(testKey, SessionClaims{
		CourseID:   "course-1",
		InstanceID: "inst-1",
		ClassType:  InPerson,
		Latitude:   &lat,
		Longitude:  &lon,
	}, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if until := time.Until(exp); until < 29*time.Minute || until > 31*time.Minute {
		t.Errorf("expiry %s from now, want ~30m", until)
	}

	claims, err := ParseSessionToken(token, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if claims.CourseID != "course-1" || claims.InstanceID != "inst-1" || claims.ClassType != InPerson {
		t.Errorf("claims roundtrip broken: %+v", claims)
	}
	if claims.Latitude == nil || *claims.Latitude != lat {
		t.Errorf("latitude lost in roundtrip")
	}
}

func TestSessionTokenWrongKeyRejected(t *testing.T) {
	token, _, err := IssueSessionToken(testKey, SessionClaims{InstanceID: "inst-1", ClassType: Online}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseSessionToken(token, "attacker-key"); err == nil {
		t.Error("token verified with the wrong key")
	}
}

func TestSessionTokenExpiryRejected(t *testing.T) {
	token, _, err := IssueSessionToken(testKey, SessionClaims{InstanceID: "inst-1", ClassType: Online}, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseSessionToken(token, testKey); err == nil {
		t.Error("expired token accepted")
	}
}

func TestSessionTokenGarbageRejected(t *testing.T) {
	if _, err := ParseSessionToken("not-a-jwt", testKey); err == nil {
		t.Error("garbage token accepted")
	}
}
