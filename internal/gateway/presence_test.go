package gateway

import (
	"testing"

	"github.com/keyway-access/keyway-core/internal/infrastructure/config"
	"github.com/keyway-access/keyway-core/internal/infrastructure/logging"
)

func quietLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
}

func TestPresence_StatusTransitions(t *testing.T) {
	p := NewPresenceTracker(nil, quietLogger())

	if p.IsOnline("gw-1") {
		t.Error("unknown gateway reported online")
	}

	online := []byte(`{"gateway_id":"gw-1","status":"online"}`)
	if err := p.handleStatus("keyway/gateway/gw-1/status", online); err != nil {
		t.Fatalf("handleStatus(online) error = %v", err)
	}
	if !p.IsOnline("gw-1") {
		t.Error("gateway not online after online status")
	}
	if p.OnlineCount() != 1 {
		t.Errorf("OnlineCount() = %d, want 1", p.OnlineCount())
	}

	offline := []byte(`{"gateway_id":"gw-1","status":"offline"}`)
	if err := p.handleStatus("keyway/gateway/gw-1/status", offline); err != nil {
		t.Fatalf("handleStatus(offline) error = %v", err)
	}
	if p.IsOnline("gw-1") {
		t.Error("gateway still online after LWT offline status")
	}
}

func TestPresence_GatewayIDFromTopic(t *testing.T) {
	p := NewPresenceTracker(nil, quietLogger())

	// Older gateway firmware omits gateway_id from the payload.
	bare := []byte(`{"status":"online"}`)
	if err := p.handleStatus("keyway/gateway/gw-7/status", bare); err != nil {
		t.Fatalf("handleStatus() error = %v", err)
	}
	if !p.IsOnline("gw-7") {
		t.Error("gateway id not recovered from the topic")
	}
}

func TestPresence_MalformedPayload(t *testing.T) {
	p := NewPresenceTracker(nil, quietLogger())

	if err := p.handleStatus("keyway/gateway/gw-1/status", []byte(`{not json`)); err == nil {
		t.Error("handleStatus(malformed) error = nil, want parse error")
	}
	if p.IsOnline("gw-1") {
		t.Error("malformed payload changed presence state")
	}
}
