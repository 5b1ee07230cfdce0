// Package messaging adapts channel clients to the orchestrator: outbound
// text and option lists, inbound events and delivery receipts.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/RepairPipe/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer of the inbound and receipt channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds a blocked channel write before the event is dropped.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service is a pluggable channel.
type Service interface {
	// SendText sends a plain text message.
	SendText(ctx context.Context, to, body string) error
	// SendButtons sends body with selectable options. Channels without native
	// buttons render them as a numbered list.
	SendButtons(ctx context.Context, to, body string, options []string) error
	// Start begins background processing.
	Start(ctx context.Context) error
	// Stop stops background processing and closes the event channels.
	Stop() error
	// Inbound returns received client messages.
	Inbound() <-chan models.InboundEvent
	// Receipts returns delivery receipts.
	Receipts() <-chan models.Receipt
}

// Render appends options to body as a numbered list.
func Render(body string, options []string) string {
	if len(options) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n")
	for i, opt := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
	}
	return b.String()
}

// CanonicalPeer strips everything but digits from a phone-number address.
func CanonicalPeer(address string) (string, error) {
	var b strings.Builder
	for _, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	peer := b.String()
	if peer == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in %q", address)
	}
	if len(peer) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", peer)
	}
	return peer, nil
}
