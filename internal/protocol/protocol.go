// Package protocol defines the JSON wire protocol spoken over client
// WebSocket connections.
//
// Frames are one JSON object each. Inbound frames are decoded exactly once
// at the transport boundary into a tagged Inbound value; unknown type tags
// decode to KindUnknown and are handled by a single default branch.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topic names carried in subscribe frames and outbound data frames.
const (
	TopicMarketData      = "market_data"
	TopicUserData        = "user_data"
	TopicPositionUpdates = "position_updates"
)

// Kind identifies an inbound frame after decoding.
type Kind int

const (
	KindUnknown Kind = iota
	KindPing
	KindHeartbeat
	KindSubscribe
	KindUnsubscribe
	KindSubscribeMarket
	KindSubscribeUser
	KindSubscribePositions
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindHeartbeat:
		return "heartbeat"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindSubscribeMarket:
		return "subscribe_market"
	case KindSubscribeUser:
		return "subscribe_user"
	case KindSubscribePositions:
		return "subscribe_positions"
	default:
		return "unknown"
	}
}

// Inbound is a single decoded client frame.
type Inbound struct {
	Kind Kind
	Type string // raw tag, kept for logging unknown kinds
	Data json.RawMessage
}

type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SubscribePayload is the data object of subscribe/unsubscribe frames.
type SubscribePayload struct {
	Subscription string `json:"subscription"`
}

// SubscribeMarketPayload is the data object of subscribe_market frames.
type SubscribeMarketPayload struct {
	Symbol string `json:"symbol"`
}

// Decode parses one inbound frame. A malformed frame is a decode error;
// an unknown type tag is not (it yields KindUnknown).
func Decode(raw []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return Inbound{}, fmt.Errorf("malformed frame: missing type")
	}

	msg := Inbound{Type: env.Type, Data: env.Data}
	switch env.Type {
	case "ping":
		msg.Kind = KindPing
	case "heartbeat":
		msg.Kind = KindHeartbeat
	case "subscribe":
		msg.Kind = KindSubscribe
	case "unsubscribe":
		msg.Kind = KindUnsubscribe
	case "subscribe_market":
		msg.Kind = KindSubscribeMarket
	case "subscribe_user":
		msg.Kind = KindSubscribeUser
	case "subscribe_positions":
		msg.Kind = KindSubscribePositions
	default:
		msg.Kind = KindUnknown
	}
	return msg, nil
}

// Subscription extracts the topic string of a subscribe/unsubscribe frame.
func (m Inbound) Subscription() (string, error) {
	var p SubscribePayload
	if err := json.Unmarshal(m.Data, &p); err != nil || p.Subscription == "" {
		return "", fmt.Errorf("subscribe frame missing subscription")
	}
	return p.Subscription, nil
}

// --- Outbound frames ---

type outboundEnvelope struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connectionId,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        string          `json:"error,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

func marshal(env outboundEnvelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		// envelope fields are all marshalable; unreachable in practice
		panic(fmt.Sprintf("protocol: marshal outbound frame: %v", err))
	}
	return data
}

// ConnectionEstablished is the first frame sent on every new connection.
func ConnectionEstablished(connectionID, userID string, now time.Time) []byte {
	return marshal(outboundEnvelope{
		Type:         "connection_established",
		ConnectionID: connectionID,
		UserID:       userID,
		Timestamp:    now.UnixMilli(),
	})
}

// Pong answers an application-level ping frame.
func Pong(now time.Time) []byte {
	return marshal(outboundEnvelope{Type: "pong", Timestamp: now.UnixMilli()})
}

// HeartbeatAck answers a heartbeat frame.
func HeartbeatAck(now time.Time) []byte {
	return marshal(outboundEnvelope{Type: "heartbeat_ack", Timestamp: now.UnixMilli()})
}

// Data wraps a topic payload for fan-out. The frame type is the topic name.
func Data(topic string, payload json.RawMessage, now time.Time) []byte {
	return marshal(outboundEnvelope{Type: topic, Data: payload, Timestamp: now.UnixMilli()})
}

// Error builds an error frame addressed to a single connection.
func Error(message string, now time.Time) []byte {
	return marshal(outboundEnvelope{Type: "error", Error: message, Timestamp: now.UnixMilli()})
}
