package auth

import (
	"encoding/base64"
	"errors"
	"testing"
)

const testSignatureKey = "device-signing-key"

func TestCredentialValidator_TwoPartNeedsNoSignature(t *testing.T) {
	v := NewCredentialValidator("")

	id, err := v.Validate("GID_test@@@00_11_22_33_44_55", "", "")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if id.MAC != "00:11:22:33:44:55" {
		t.Errorf("MAC = %q", id.MAC)
	}
	if id.UserData != nil {
		t.Errorf("UserData = %v, want nil", id.UserData)
	}
}

func TestCredentialValidator_Signed(t *testing.T) {
	v := NewCredentialValidator(testSignatureKey)
	clientID := "GID_test@@@00_11_22_33_44_55@@@uuid-1"
	username := base64.StdEncoding.EncodeToString([]byte(`{"ip":"10.0.0.5"}`))

	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{"valid", username, Sign(testSignatureKey, clientID, username), nil},
		{"wrong key", username, Sign("other-key", clientID, username), ErrInvalidSignature},
		{"signed for other user", username, Sign(testSignatureKey, clientID, "bob"), ErrInvalidSignature},
		{"missing password", username, "", ErrMissingCredential},
		{"missing username", "", "sig", ErrMissingCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := v.Validate(clientID, tt.username, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if id.InstanceID != "uuid-1" {
				t.Errorf("InstanceID = %q, want uuid-1", id.InstanceID)
			}
			if id.UserData["ip"] != "10.0.0.5" {
				t.Errorf("UserData = %v", id.UserData)
			}
		})
	}
}

func TestCredentialValidator_NoKeyRejectsSigned(t *testing.T) {
	v := NewCredentialValidator("")
	_, err := v.Validate("g@@@00_11_22_33_44_55@@@u", "user", "pass")
	if !errors.Is(err, ErrMissingSignature) {
		t.Errorf("Validate() error = %v, want ErrMissingSignature", err)
	}
}

func TestCredentialValidator_PlainUsername(t *testing.T) {
	v := NewCredentialValidator(testSignatureKey)
	clientID := "g@@@00_11_22_33_44_55@@@u"

	id, err := v.Validate(clientID, "plain user", Sign(testSignatureKey, clientID, "plain user"))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if id.UserData != nil {
		t.Errorf("UserData = %v, want nil for non-base64 username", id.UserData)
	}
}

func TestSign_Deterministic(t *testing.T) {
	a := Sign("k", "c", "u")
	if a != Sign("k", "c", "u") {
		t.Error("Sign() is not deterministic")
	}
	if a == Sign("k", "c", "v") {
		t.Error("Sign() ignores username")
	}
	if _, err := base64.StdEncoding.DecodeString(a); err != nil {
		t.Errorf("Sign() output is not base64: %v", err)
	}
}
