package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Identity is a device accepted by CredentialValidator.
type Identity struct {
	ClientID
	UserData map[string]any
}

// CredentialValidator checks device credentials against a shared key.
type CredentialValidator struct {
	key []byte
}

// NewCredentialValidator creates a validator. An empty key rejects every
// signed client id.
func NewCredentialValidator(signatureKey string) *CredentialValidator {
	return &CredentialValidator{key: []byte(signatureKey)}
}

// Validate parses clientID and, for the three-part form, verifies the
// password signature.
//
// Parameters:
//   - clientID: composite client id from the CONNECT packet
//   - username: CONNECT username, optionally base64 JSON user data
//   - password: base64 HMAC-SHA256 signature for signed ids
//
// Returns:
//   - Identity: parsed id plus decoded user data
//   - error: ErrInvalidClientID, ErrInvalidMAC, ErrMissingSignature,
//     ErrMissingCredential or ErrInvalidSignature
func (v *CredentialValidator) Validate(clientID, username, password string) (Identity, error) {
	id, err := ParseClientID(clientID)
	if err != nil {
		return Identity{}, err
	}
	if !id.Signed() {
		return Identity{ClientID: id}, nil
	}

	if len(v.key) == 0 {
		return Identity{}, ErrMissingSignature
	}
	if username == "" || password == "" {
		return Identity{}, ErrMissingCredential
	}

	expected := sign(v.key, clientID, username)
	if !hmac.Equal([]byte(expected), []byte(password)) {
		return Identity{}, fmt.Errorf("%w: client %s", ErrInvalidSignature, clientID)
	}

	return Identity{ClientID: id, UserData: decodeUserData(username)}, nil
}

// Sign returns the password a device with clientID and username must present.
func Sign(signatureKey, clientID, username string) string {
	return sign([]byte(signatureKey), clientID, username)
}

func sign(key []byte, clientID, username string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(clientID + "|" + username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// decodeUserData reads username as base64 JSON. Anything else yields nil.
func decodeUserData(username string) map[string]any {
	raw, err := base64.StdEncoding.DecodeString(username)
	if err != nil {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	return data
}
