package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/keyway-access/keyway-core/internal/infrastructure/logging"
	"github.com/keyway-access/keyway-core/internal/infrastructure/mqtt"
)

// statusMessage is what gateways publish (retained) on their status topic.
// The broker's last-will mechanism publishes the offline variant when a
// gateway drops without a clean disconnect.
type statusMessage struct {
	GatewayID string `json:"gateway_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp,omitempty"`
}

// PresenceTracker mirrors retained gateway status topics into an
// in-memory online set.
type PresenceTracker struct {
	client *mqtt.Client
	logger *logging.Logger

	mu     sync.RWMutex
	online map[string]bool
}

// NewPresenceTracker creates a presence tracker. Call Start to subscribe.
func NewPresenceTracker(client *mqtt.Client, logger *logging.Logger) *PresenceTracker {
	return &PresenceTracker{
		client: client,
		logger: logger.With("component", "gateway_presence"),
		online: make(map[string]bool),
	}
}

// Start subscribes to all gateway status topics. Retained messages
// replay the current fleet state immediately.
func (p *PresenceTracker) Start() error {
	topic := mqtt.Topics{}.AllGatewayStatuses()
	if err := p.client.Subscribe(topic, 1, p.handleStatus); err != nil {
		return fmt.Errorf("subscribing to gateway statuses: %w", err)
	}
	return nil
}

// IsOnline reports whether a gateway currently has a live connection.
func (p *PresenceTracker) IsOnline(gatewayID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[gatewayID]
}

// OnlineCount returns the number of gateways currently online.
func (p *PresenceTracker) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, up := range p.online {
		if up {
			n++
		}
	}
	return n
}

func (p *PresenceTracker) handleStatus(topic string, payload []byte) error {
	var msg statusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("parsing gateway status on %s: %w", topic, err)
	}

	gatewayID := msg.GatewayID
	if gatewayID == "" {
		// Fall back to the topic segment: keyway/gateway/{id}/status.
		parts := strings.Split(topic, "/")
		if len(parts) >= 3 {
			gatewayID = parts[2]
		}
	}
	if gatewayID == "" {
		return fmt.Errorf("gateway status without gateway id on %s", topic)
	}

	up := msg.Status == "online"
	p.mu.Lock()
	changed := p.online[gatewayID] != up
	p.online[gatewayID] = up
	p.mu.Unlock()

	if changed {
		p.logger.Info("gateway presence changed", "gateway_id", gatewayID, "online", up)
	}
	return nil
}
