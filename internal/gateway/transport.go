package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keyway-access/keyway-core/internal/infrastructure/logging"
	"github.com/keyway-access/keyway-core/internal/infrastructure/mqtt"
)

// rpcRequest is the wire shape of a gateway RPC.
type rpcRequest struct {
	RequestID string          `json:"request_id"`
	DeviceID  string          `json:"device_id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ReplyTo   string          `json:"reply_to"`
}

// RPCResponse is a gateway's reply.
type RPCResponse struct {
	RequestID string            `json:"request_id"`
	Success   bool              `json:"success"`
	Data      map[string]string `json:"data,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Transport delivers commands and tokens to gateways over MQTT.
type Transport struct {
	client     *mqtt.Client
	topics     mqtt.Topics
	qos        byte
	rpcTimeout time.Duration
	logger     *logging.Logger
}

// NewTransport creates a gateway transport.
func NewTransport(client *mqtt.Client, qos byte, rpcTimeout time.Duration, logger *logging.Logger) *Transport {
	return &Transport{
		client:     client,
		qos:        qos,
		rpcTimeout: rpcTimeout,
		logger:     logger.With("component", "gateway_transport"),
	}
}

// UnicastToFacility publishes a signed token on a facility's command
// channel. Best-effort: delivery to offline gateways rides on the
// broker session, and the deny ledger remains the authoritative record.
func (t *Transport) UnicastToFacility(_ context.Context, facilityID, token string) error {
	topic := t.topics.FacilityCommands(facilityID)
	if err := t.client.PublishString(topic, token, t.qos, false); err != nil {
		return fmt.Errorf("unicasting to facility %s: %w", facilityID, err)
	}
	return nil
}

// Broadcast publishes a payload on the fleet-wide topic.
func (t *Transport) Broadcast(_ context.Context, payload []byte) error {
	if err := t.client.Publish(t.topics.Broadcast(), payload, t.qos, false); err != nil {
		return fmt.Errorf("broadcasting: %w", err)
	}
	return nil
}

// Call performs one RPC against a gateway: publish the request on the
// gateway's request topic and wait for the correlated reply. The reply
// subscription exists only for the lifetime of the call.
func (t *Transport) Call(ctx context.Context, gatewayID, deviceID, action string, payload any) (*RPCResponse, error) {
	requestID := uuid.NewString()[:8]
	replyTopic := t.topics.GatewayRPCReply(gatewayID, requestID)

	var rawPayload json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding rpc payload: %w", err)
		}
		rawPayload = encoded
	}

	req := rpcRequest{
		RequestID: requestID,
		DeviceID:  deviceID,
		Action:    action,
		Payload:   rawPayload,
		ReplyTo:   replyTopic,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding rpc request: %w", err)
	}

	replyCh := make(chan *RPCResponse, 1)
	var once sync.Once
	handler := func(_ string, payload []byte) error {
		var resp RPCResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return fmt.Errorf("parsing rpc reply: %w", err)
		}
		if resp.RequestID != requestID {
			return nil
		}
		once.Do(func() { replyCh <- &resp })
		return nil
	}

	if err := t.client.Subscribe(replyTopic, t.qos, handler); err != nil {
		return nil, fmt.Errorf("subscribing to rpc reply: %w", err)
	}
	defer func() {
		if err := t.client.Unsubscribe(replyTopic); err != nil {
			t.logger.Warn("unsubscribing rpc reply topic", "topic", replyTopic, "error", err)
		}
	}()

	requestTopic := t.topics.GatewayRPCRequest(gatewayID, requestID)
	if err := t.client.Publish(requestTopic, body, t.qos, false); err != nil {
		return nil, fmt.Errorf("publishing rpc request: %w", err)
	}

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-time.After(t.rpcTimeout):
		return nil, fmt.Errorf("%w: gateway %s action %s after %s", ErrRPCTimeout, gatewayID, action, t.rpcTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AddKey asks a gateway to provision a key on a device. The response
// data carries the key code the device assigned.
func (t *Transport) AddKey(ctx context.Context, gatewayID, deviceID string, payload any) (*RPCResponse, error) {
	return t.checked(t.Call(ctx, gatewayID, deviceID, "add_key", payload))
}

// RevokeKey asks a gateway to remove a key from a device.
func (t *Transport) RevokeKey(ctx context.Context, gatewayID, deviceID, keyCode, publicKey string) (*RPCResponse, error) {
	payload := map[string]string{}
	if keyCode != "" {
		payload["key_code"] = keyCode
	}
	if publicKey != "" {
		payload["public_key"] = publicKey
	}
	return t.checked(t.Call(ctx, gatewayID, deviceID, "revoke_key", payload))
}

// checked folds success=false replies into an error.
func (t *Transport) checked(resp *RPCResponse, err error) (*RPCResponse, error) {
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("%w: %s", ErrRPCFailed, resp.Error)
	}
	return resp, nil
}
