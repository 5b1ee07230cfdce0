// Package models defines the core data structures for RepairPipe.
//
// It includes inbound/outbound message types, delivery receipts and the
// API response envelope shared across modules.
package models

import (
	"errors"
	"time"
)

// Channel identifies the messaging channel a conversation runs on.
type Channel string

const (
	// ChannelWhatsApp is WhatsApp through the whatsmeow client.
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelTwilio is WhatsApp through the Twilio API.
	ChannelTwilio Channel = "twilio"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelWhatsApp, ChannelTwilio:
		return true
	default:
		return false
	}
}

// Direction marks a message log entry as inbound or outbound.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Validation constants for inbound events
const (
	// MaxInboundTextLength is the longest inbound text the orchestrator processes.
	MaxInboundTextLength = 4096
	// MaxReplyOptions is the maximum number of options rendered as buttons.
	MaxReplyOptions = 10
)

var (
	ErrEmptyPeer        = errors.New("peer address cannot be empty")
	ErrInvalidChannel   = errors.New("invalid channel")
	ErrEmptyInbound     = errors.New("inbound event has neither text nor media")
	ErrInboundTooLong   = errors.New("inbound text exceeds maximum length")
	ErrTooManyReplyOpts = errors.New("too many reply options")
)

// InboundEvent is a single message received from a channel adapter.
// Delivery is at-least-once, so the same MessageID may arrive more than once.
type InboundEvent struct {
	Channel   Channel   `json:"channel"`
	Peer      string    `json:"peer"`
	Text      string    `json:"text"`
	Media     string    `json:"media,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate performs basic validation on an InboundEvent.
func (e InboundEvent) Validate() error {
	if e.Peer == "" {
		return ErrEmptyPeer
	}
	if !IsValidChannel(e.Channel) {
		return ErrInvalidChannel
	}
	if e.Text == "" && e.Media == "" {
		return ErrEmptyInbound
	}
	if len(e.Text) > MaxInboundTextLength {
		return ErrInboundTooLong
	}
	return nil
}

// Reply is the outbound answer computed for one inbound event.
// When Options is non-empty the channel renders them as buttons (or a numbered list).
type Reply struct {
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// Empty reports whether the reply carries nothing to send.
func (r Reply) Empty() bool {
	return r.Text == "" && len(r.Options) == 0
}

// Validate checks reply limits before sending.
func (r Reply) Validate() error {
	if len(r.Options) > MaxReplyOptions {
		return ErrTooManyReplyOpts
	}
	return nil
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt represents a delivery receipt emitted by a channel.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
