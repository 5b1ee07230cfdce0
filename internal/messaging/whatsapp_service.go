package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/whatsapp"
)

// WhatsAppService implements Service on top of the whatsmeow client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client
	inbound  chan models.InboundEvent
	receipts chan models.Receipt
	mu       sync.RWMutex
	stopped  bool
	handler  uint32
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps client. Event handling is only available when
// client is a *whatsapp.Client.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client:   client,
		inbound:  make(chan models.InboundEvent, DefaultChannelBufferSize),
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
	}
	if wa, ok := client.(*whatsapp.Client); ok {
		s.waClient = wa
	}
	return s
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	s.handler = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop unregisters the handler and closes the event channels.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handler)
	}
	close(s.inbound)
	close(s.receipts)
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

// SendText sends body and emits a sent receipt.
func (s *WhatsAppService) SendText(ctx context.Context, to, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	peer, err := CanonicalPeer(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, peer, body); err != nil {
		return err
	}
	s.emitReceipt(models.Receipt{To: peer, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// SendButtons sends body with options as a numbered list.
func (s *WhatsAppService) SendButtons(ctx context.Context, to, body string, options []string) error {
	return s.SendText(ctx, to, Render(body, options))
}

// Inbound returns received client messages.
func (s *WhatsAppService) Inbound() <-chan models.InboundEvent { return s.inbound }

// Receipts returns delivery receipts.
func (s *WhatsAppService) Receipts() <-chan models.Receipt { return s.receipts }

func (s *WhatsAppService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if ev, ok := InboundFromWhatsApp(v); ok {
			s.emitInbound(ev)
		}
	case *events.Receipt:
		if r, ok := receiptFromWhatsApp(v); ok {
			s.emitReceipt(r)
		}
	}
}

// InboundFromWhatsApp converts a whatsmeow message event. Own messages,
// group messages and messages with neither text nor supported media are skipped.
func InboundFromWhatsApp(evt *events.Message) (models.InboundEvent, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundEvent{}, false
	}
	msg := evt.Message
	ev := models.InboundEvent{
		Channel:   models.ChannelWhatsApp,
		Peer:      evt.Info.Sender.User,
		MessageID: string(evt.Info.ID),
		Timestamp: evt.Info.Timestamp,
	}
	switch {
	case msg.GetConversation() != "":
		ev.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		ev.Text = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		ev.Media = "image"
		ev.Text = msg.GetImageMessage().GetCaption()
	case msg.GetAudioMessage() != nil:
		ev.Media = "audio"
	case msg.GetButtonsResponseMessage() != nil:
		ev.Text = msg.GetButtonsResponseMessage().GetSelectedDisplayText()
	case msg.GetListResponseMessage() != nil:
		ev.Text = msg.GetListResponseMessage().GetTitle()
	}
	if ev.Text == "" && ev.Media == "" {
		return models.InboundEvent{}, false
	}
	return ev, true
}

func receiptFromWhatsApp(evt *events.Receipt) (models.Receipt, bool) {
	var status models.MessageStatus
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case types.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return models.Receipt{}, false
	}
	return models.Receipt{To: evt.MessageSource.Chat.User, Status: status, Time: evt.Timestamp.Unix()}, true
}

func (s *WhatsAppService) emitInbound(ev models.InboundEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.inbound <- ev:
		slog.Debug("WhatsAppService: inbound forwarded", "peer", ev.Peer, "message_id", ev.MessageID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService: inbound channel blocked, dropping message", "peer", ev.Peer, "message_id", ev.MessageID)
	}
}

func (s *WhatsAppService) emitReceipt(r models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService: receipts channel blocked, dropping receipt", "to", r.To, "status", r.Status)
	}
}
