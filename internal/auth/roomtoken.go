package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// defaultRoomTokenTTL applies when RoomTokenParams.TTL is zero.
const defaultRoomTokenTTL = 6 * time.Hour

// VideoGrant is the room permission block understood by the media server.
type VideoGrant struct {
	Room         string `json:"room"`
	RoomJoin     bool   `json:"roomJoin"`
	RoomCreate   bool   `json:"roomCreate"`
	CanPublish   bool   `json:"canPublish"`
	CanSubscribe bool   `json:"canSubscribe"`
}

// RoomClaims is the payload of a room access token.
type RoomClaims struct {
	jwt.RegisteredClaims
	Name       string            `json:"name,omitempty"`
	Video      VideoGrant        `json:"video"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// RoomTokenParams describes a room access token.
type RoomTokenParams struct {
	APIKey     string
	APISecret  string
	Identity   string
	Name       string
	Room       string
	Attributes map[string]string
	TTL        time.Duration
}

// RoomToken mints an HS256 token that lets Identity join, create, publish and
// subscribe in Room.
func RoomToken(p RoomTokenParams) (string, error) {
	if p.APIKey == "" || p.APISecret == "" {
		return "", errors.New("auth: room token requires api key and secret")
	}
	if p.Identity == "" || p.Room == "" {
		return "", errors.New("auth: room token requires identity and room")
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = defaultRoomTokenTTL
	}

	now := time.Now()
	claims := RoomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.APIKey,
			Subject:   p.Identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: p.Name,
		Video: VideoGrant{
			Room:         p.Room,
			RoomJoin:     true,
			RoomCreate:   true,
			CanPublish:   true,
			CanSubscribe: true,
		},
		Attributes: p.Attributes,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(p.APISecret))
	if err != nil {
		return "", fmt.Errorf("signing room token: %w", err)
	}
	return signed, nil
}

// ParseRoomToken verifies a room token. Used by tests and diagnostics.
func ParseRoomToken(tokenString, secret string) (*RoomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RoomClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*RoomClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
