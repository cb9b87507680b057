// Package wire implements the mesh core's canonical framing: the
// deterministic serialization of a Message used both on the radio link
// and for checksum computation.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zentalk/meshphone/pkg/onion"
)

// MessageType tags what a message carries.
type MessageType string

const (
	TypeText         MessageType = "text"
	TypeVoice        MessageType = "voice"
	TypeFile         MessageType = "file"
	TypeAck          MessageType = "ack"
	TypeRouteRequest MessageType = "route_request"
	TypeRouteReply   MessageType = "route_reply"
	TypeRouteError   MessageType = "route_error"
	TypeHeartbeat    MessageType = "heartbeat"
)

// Priority tags a message's delivery urgency; it doubles as the energy
// ledger's pricing tier.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// InitialTTL is the hop budget a freshly created message starts with.
const InitialTTL = 10

// Header is the unencrypted, relay-visible part of a message.
type Header struct {
	MessageID      string      `json:"message_id"`
	SenderID       string      `json:"sender_id"`
	RecipientID    string      `json:"recipient_id"`
	Timestamp      float64     `json:"timestamp"`
	Type           MessageType `json:"message_type"`
	Priority       Priority    `json:"priority"`
	TTL            int         `json:"ttl"`
	SequenceNumber uint64      `json:"sequence_number"`
}

// Payload is the end-to-end encrypted part of a message. Content holds
// ciphertext once the message has been sealed by a ratchet session.
type Payload struct {
	Content     []byte                 `json:"content"`
	ContentType string                 `json:"content_type"`
	Metadata    map[string]interface{} `json:"metadata"`
	Attachments []map[string]string    `json:"attachments"`
}

// SizeBytes estimates the payload's wire size, used to enforce the
// per-message size cap before a send is charged.
func (p Payload) SizeBytes() int {
	encoded, err := json.Marshal(p)
	if err != nil {
		return len(p.Content)
	}
	return len(encoded)
}

// Message is the complete framed unit exchanged between nodes: a
// routable header, an opaque payload, any remaining onion layers, and
// bookkeeping for loop prevention and energy accounting.
type Message struct {
	Header                 Header         `json:"header"`
	Payload                Payload        `json:"payload"`
	OnionLayers            []onion.Layer  `json:"onion_layers"`
	HopsTaken              []string       `json:"hops_taken"`
	EnergyCost             float64        `json:"energy_cost"`
	IsEncrypted            bool           `json:"is_encrypted"`
	Signature              []byte         `json:"signature,omitempty"`
	SenderEphemeralPublic  onion.PublicKey `json:"sender_ephemeral_public"`
}

// NewText builds a text message addressed to recipient, with a fresh
// message id and the current time.
func NewText(senderID, recipientID, content string, priority Priority) Message {
	return Message{
		Header: Header{
			MessageID:   uuid.NewString(),
			SenderID:    senderID,
			RecipientID: recipientID,
			Timestamp:   float64(time.Now().UnixNano()) / 1e9,
			Type:        TypeText,
			Priority:    priority,
			TTL:         InitialTTL,
		},
		Payload: Payload{
			Content:     []byte(content),
			ContentType: "text/plain",
			Metadata:    map[string]interface{}{},
			Attachments: []map[string]string{},
		},
		HopsTaken: []string{},
	}
}

// NewAck builds an acknowledgment for originalMessageID, addressed back
// to the original sender. ACKs get a short TTL since they only need to
// retrace a path that was just proven reachable.
func NewAck(originalMessageID, senderID, recipientID string) Message {
	return Message{
		Header: Header{
			MessageID:   uuid.NewString(),
			SenderID:    senderID,
			RecipientID: recipientID,
			Timestamp:   float64(time.Now().UnixNano()) / 1e9,
			Type:        TypeAck,
			Priority:    PriorityHigh,
			TTL:         5,
		},
		Payload: Payload{
			Content:     []byte(originalMessageID),
			ContentType: "application/json",
			Metadata:    map[string]interface{}{"ack_for": originalMessageID},
			Attachments: []map[string]string{},
		},
		HopsTaken: []string{},
	}
}

// AddHop records that the message passed through nodeID and consumes
// one unit of TTL.
func (m *Message) AddHop(nodeID string) {
	m.HopsTaken = append(m.HopsTaken, nodeID)
	m.Header.TTL--
}

// IsExpired reports whether the message has run out of hops.
func (m *Message) IsExpired() bool {
	return m.Header.TTL <= 0
}

// ShouldRelay reports whether currentNodeID, which is not the original
// sender, ought to forward this message onward.
func (m *Message) ShouldRelay(currentNodeID string) bool {
	if m.IsExpired() {
		return false
	}
	if m.Header.RecipientID == currentNodeID {
		return false
	}
	for _, hop := range m.HopsTaken {
		if hop == currentNodeID {
			return false
		}
	}
	return true
}

// Encode serializes the message into its canonical wire form: JSON
// with the field order declared by the Header/Payload/Message struct
// tags above, which json.Marshal preserves for struct fields.
func (m Message) Encode() ([]byte, error) {
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return encoded, nil
}

// Decode parses a message previously produced by Encode.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("wire: decode: %w", err)
	}
	return m, nil
}

// Checksum is the first 16 hex characters of the SHA-256 digest of the
// message's canonical encoding, used to detect transmission corruption.
func (m Message) Checksum() (string, error) {
	encoded, err := m.Encode()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])[:16], nil
}

// VerifyChecksum reports whether want matches the message's own
// computed checksum.
func (m Message) VerifyChecksum(want string) bool {
	got, err := m.Checksum()
	if err != nil {
		return false
	}
	return got == want
}

// checksumLen is the number of hex characters the checksum envelope
// carries ahead of the JSON body.
const checksumLen = 16

// Frame serializes the message and prefixes it with its own checksum,
// so the checksum travels alongside the canonical body rather than as
// a field inside it.
func (m Message) Frame() ([]byte, error) {
	encoded, err := m.Encode()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(encoded)
	checksum := hex.EncodeToString(sum[:])[:checksumLen]

	framed := make([]byte, 0, checksumLen+len(encoded))
	framed = append(framed, checksum...)
	framed = append(framed, encoded...)
	return framed, nil
}

// Unframe splits a checksum-prefixed frame produced by Frame, verifies
// the checksum against the body, and decodes the message. A checksum
// mismatch is reported rather than silently ignored.
func Unframe(data []byte) (Message, error) {
	if len(data) < checksumLen {
		return Message{}, fmt.Errorf("wire: frame too short")
	}
	want := string(data[:checksumLen])
	body := data[checksumLen:]

	sum := sha256.Sum256(body)
	got := hex.EncodeToString(sum[:])[:checksumLen]
	if got != want {
		return Message{}, fmt.Errorf("wire: checksum mismatch")
	}

	return Decode(body)
}

// PriorityFactor maps a priority tier to the energy ledger's pricing
// multiplier.
func PriorityFactor(p Priority) float64 {
	switch p {
	case PriorityLow:
		return 0.5
	case PriorityHigh:
		return 1.5
	case PriorityUrgent:
		return 2.0
	default:
		return 1.0
	}
}
