package command

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		cmdType Type
		payload string
		wantErr error
	}{
		{"add key valid", TypeAddKey, `{"user_id":"user-1"}`, nil},
		{"add key missing user", TypeAddKey, `{}`, ErrInvalidPayload},
		{"revoke by code", TypeRevokeKey, `{"key_code":"1234"}`, nil},
		{"revoke by public key", TypeRevokeKey, `{"public_key":"abc"}`, nil},
		{"revoke empty", TypeRevokeKey, `{}`, ErrInvalidPayload},
		{"denylist sync valid", TypeDenylistSync, `{"token":"a.b.c"}`, nil},
		{"denylist sync missing token", TypeDenylistSync, `{}`, ErrInvalidPayload},
		{"time sync empty is fine", TypeTimeSync, `{}`, nil},
		{"time sync with ts", TypeTimeSync, `{"requested_ts":1000}`, nil},
		{"key rotation valid", TypeKeyRotation, `{"token":"a.b.c"}`, nil},
		{"key rotation missing token", TypeKeyRotation, `{}`, ErrInvalidPayload},
		{"unknown type", Type("FROBNICATE"), `{}`, ErrUnknownCommandType},
		{"malformed json", TypeAddKey, `{not json`, ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.cmdType, json.RawMessage(tt.payload))
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidatePayload() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidatePayload() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
