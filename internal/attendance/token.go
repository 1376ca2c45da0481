package attendance

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the signed credential embedded in a session's QR code.
// Students present it to mark attendance; it expires with the session.
type SessionClaims struct {
	CourseID   string    `json:"course_id"`
	InstanceID string    `json:"instance_id"`
	ClassType  ClassType `json:"class_type"`
	Latitude   *float64  `json:"lat,omitempty"`
	Longitude  *float64  `json:"lon,omitempty"`
	jwt.RegisteredClaims
}

// IssueSessionToken signs a time-boxed HS256 token for one instance.
func IssueSessionToken(key string, claims SessionClaims, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	exp := time.Now().Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.InstanceID,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// ParseSessionToken verifies signature and expiry and returns the claims.
func ParseSessionToken(tokenStr, key string) (SessionClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return SessionClaims{}, err
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return SessionClaims{}, errors.New("invalid session token")
	}
	return *claims, nil
}
