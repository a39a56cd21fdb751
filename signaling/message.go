/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tejzpr/consult-go-sdk/consultsdk"
	"github.com/tejzpr/consult-go-sdk/identity"
)

func init() {
	consultsdk.RegisterValidation("call_message", func(fl validator.FieldLevel) bool {
		return MessageType(fl.Field().String()).IsCall()
	})
}

// MessageType identifies a signaling message
type MessageType string

const (
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeHangup       MessageType = "hangup"
	TypeDecline      MessageType = "decline"
	TypeBusy         MessageType = "busy"

	// Relay control frames. They never reach a call session.
	TypeRegistered MessageType = "registered"
	TypeError      MessageType = "error"
)

// IsCall reports whether t is exchanged between the two call endpoints.
func (t MessageType) IsCall() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeHangup, TypeDecline, TypeBusy:
		return true
	default:
		return false
	}
}

// Message is the envelope exchanged over a signaling port.
type Message struct {
	ID          string                `json:"id,omitempty"`
	Type        MessageType           `json:"type" validate:"call_message"`
	SessionID   string                `json:"session_id,omitempty" validate:"required"`
	From        string                `json:"from,omitempty"`
	To          string                `json:"to,omitempty" validate:"required"`
	Payload     json.RawMessage       `json:"payload,omitempty"`
	Participant *identity.Participant `json:"participant,omitempty" validate:"-"`
	SentAt      time.Time             `json:"sent_at"`
}

// SDPPayload carries an offer or answer.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ErrorPayload is sent by the relay when a message cannot be routed.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Relay error codes.
const (
	CodeUnknownRecipient = "unknown_recipient"
	CodeRateLimited      = "rate_limited"
	CodeInvalidMessage   = "invalid_message"
)

// NewMessage builds a message with a fresh id. payload, when non-nil, is
// JSON encoded.
func NewMessage(typ MessageType, sessionID, from, to string, payload interface{}) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Type:      typ,
		SessionID: sessionID,
		From:      from,
		To:        to,
		SentAt:    time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Validate checks the fields required to route a call message.
func (m Message) Validate() error {
	err := consultsdk.Validate(m)
	fe, ok := consultsdk.FirstFieldError(err)
	if !ok {
		return err
	}
	switch fe.Field() {
	case "Type":
		return fmt.Errorf("unknown message type %q", m.Type)
	case "To":
		return fmt.Errorf("%s message has no recipient", m.Type)
	default:
		return fmt.Errorf("%s message has no session id", m.Type)
	}
}
