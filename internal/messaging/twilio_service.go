package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through WebhookHandler.
type TwilioService struct {
	client    twiliowhatsapp.Sender
	validator *twilioclient.RequestValidator
	publicURL string
	inbound   chan models.InboundEvent
	receipts  chan models.Receipt
	mu        sync.RWMutex
	stopped   bool
}

var _ Service = (*TwilioService)(nil)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhook requests whose X-Twilio-Signature
// does not match authToken for publicURL, the URL Twilio is configured to call.
func WithSignatureValidation(authToken, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		v := twilioclient.NewRequestValidator(authToken)
		s.validator = &v
		s.publicURL = publicURL
	}
}

// NewTwilioService creates a TwilioService around client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:   client,
		inbound:  make(chan models.InboundEvent, DefaultChannelBufferSize),
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start is a no-op: Twilio pushes events to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	close(s.receipts)
	return nil
}

// SendText sends body through Twilio and emits a sent receipt.
func (s *TwilioService) SendText(ctx context.Context, to, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	peer, err := CanonicalPeer(to)
	if err != nil {
		slog.Error("TwilioService.SendText: invalid recipient", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, peer, body); err != nil {
		return err
	}
	s.emitReceipt(models.Receipt{To: peer, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// SendButtons sends body with options as a numbered list.
func (s *TwilioService) SendButtons(ctx context.Context, to, body string, options []string) error {
	return s.SendText(ctx, to, Render(body, options))
}

// Inbound returns messages received through the webhook.
func (s *TwilioService) Inbound() <-chan models.InboundEvent { return s.inbound }

// Receipts returns sent and status-callback receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt { return s.receipts }

func (s *TwilioService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// WebhookHandler accepts Twilio's inbound message and status callbacks.
// MessageSid becomes the event's message id so redeliveries are deduplicated.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("TwilioService.WebhookHandler: bad form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.publicURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.WebhookHandler: invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	if status := r.PostForm.Get("MessageStatus"); status != "" && r.PostForm.Get("Body") == "" {
		s.handleStatus(status, r.PostForm.Get("To"))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ev, err := InboundFromTwilio(r.PostForm.Get("From"), r.PostForm.Get("Body"), r.PostForm.Get("MessageSid"),
		r.PostForm.Get("NumMedia"), r.PostForm.Get("MediaContentType0"), time.Now())
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: rejected", "error", err)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	if !s.emitInbound(ev) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, "<Response></Response>")
}

// InboundFromTwilio builds an inbound event from webhook form values.
func InboundFromTwilio(from, body, messageSid, numMedia, mediaType string, at time.Time) (models.InboundEvent, error) {
	peer, err := CanonicalPeer(twiliowhatsapp.PeerFromAddress(from))
	if err != nil {
		return models.InboundEvent{}, err
	}
	ev := models.InboundEvent{
		Channel:   models.ChannelTwilio,
		Peer:      peer,
		Text:      body,
		MessageID: messageSid,
		Timestamp: at,
	}
	if numMedia != "" && numMedia != "0" {
		ev.Media = mediaType
		if ev.Media == "" {
			ev.Media = "media"
		}
	}
	if err := ev.Validate(); err != nil {
		return models.InboundEvent{}, err
	}
	return ev, nil
}

func (s *TwilioService) handleStatus(status, to string) {
	var st models.MessageStatus
	switch status {
	case "delivered":
		st = models.MessageStatusDelivered
	case "read":
		st = models.MessageStatusRead
	case "failed", "undelivered":
		st = models.MessageStatusFailed
	default:
		return
	}
	s.emitReceipt(models.Receipt{To: twiliowhatsapp.PeerFromAddress(to), Status: st, Time: time.Now().Unix()})
}

func (s *TwilioService) emitInbound(ev models.InboundEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService: dropping inbound (service stopped)", "peer", ev.Peer)
		return false
	}
	select {
	case s.inbound <- ev:
		slog.Debug("TwilioService: inbound forwarded", "peer", ev.Peer, "message_id", ev.MessageID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService: inbound channel blocked, dropping message", "peer", ev.Peer)
		return false
	}
}

func (s *TwilioService) emitReceipt(r models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
	}
}
