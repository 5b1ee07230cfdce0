package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/RepairPipe/internal/whatsapp"
)

func TestRender(t *testing.T) {
	if got := Render("Oi", nil); got != "Oi" {
		t.Errorf("Render without options = %q", got)
	}
	got := Render("Escolha:", []string{"terça 09:00", "terça 14:00"})
	want := "Escolha:\n\n1. terça 09:00\n2. terça 14:00"
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

func TestCanonicalPeer(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+55 (11) 98765-4321", "5511987654321", false},
		{"whatsapp:+5511987654321", "5511987654321", false},
		{"abc", "", true},
		{"123", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalPeer(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CanonicalPeer(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CanonicalPeer(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func waMessage(msg *waE2E.Message, fromMe, group bool) *events.Message {
	evt := &events.Message{Message: msg}
	evt.Info.ID = types.MessageID("ABC123")
	evt.Info.Sender = types.JID{User: "5511987654321", Server: types.DefaultUserServer}
	evt.Info.Chat = evt.Info.Sender
	evt.Info.IsFromMe = fromMe
	evt.Info.IsGroup = group
	evt.Info.Timestamp = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return evt
}

func TestInboundFromWhatsApp(t *testing.T) {
	text := "fogão não liga"
	caption := "olha o defeito"
	empty := ""

	tests := []struct {
		name      string
		evt       *events.Message
		wantOK    bool
		wantText  string
		wantMedia string
	}{
		{"conversation", waMessage(&waE2E.Message{Conversation: &text}, false, false), true, text, ""},
		{"extended text", waMessage(&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: &text}}, false, false), true, text, ""},
		{"image with caption", waMessage(&waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: &caption}}, false, false), true, caption, "image"},
		{"audio", waMessage(&waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, false, false), true, "", "audio"},
		{"own message", waMessage(&waE2E.Message{Conversation: &text}, true, false), false, "", ""},
		{"group message", waMessage(&waE2E.Message{Conversation: &text}, false, true), false, "", ""},
		{"empty text", waMessage(&waE2E.Message{Conversation: &empty}, false, false), false, "", ""},
		{"nil event", nil, false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := InboundFromWhatsApp(tt.evt)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ev.Text != tt.wantText || ev.Media != tt.wantMedia {
				t.Errorf("got text %q media %q", ev.Text, ev.Media)
			}
			if ev.Channel != models.ChannelWhatsApp || ev.Peer != "5511987654321" || ev.MessageID != "ABC123" {
				t.Errorf("event = %+v", ev)
			}
			if err := ev.Validate(); err != nil {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestWhatsAppService_SendTextEmitsReceipt(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	if err := svc.SendText(context.Background(), "+55 11 98765-4321", "Olá"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if len(mock.Sent) != 1 || mock.Sent[0].To != "5511987654321" {
		t.Fatalf("sent = %+v", mock.Sent)
	}
	select {
	case r := <-svc.Receipts():
		if r.To != "5511987654321" || r.Status != models.MessageStatusSent {
			t.Errorf("receipt = %+v", r)
		}
	default:
		t.Fatal("expected receipt")
	}
}

func TestWhatsAppService_SendButtons(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	if err := svc.SendButtons(context.Background(), "5511987654321", "Escolha:", []string{"A", "B"}); err != nil {
		t.Fatal(err)
	}
	if mock.Sent[0].Body != "Escolha:\n\n1. A\n2. B" {
		t.Errorf("body = %q", mock.Sent[0].Body)
	}
}

func TestWhatsAppService_SendError(t *testing.T) {
	mock := whatsapp.NewMockClient()
	mock.Err = errors.New("offline")
	svc := NewWhatsAppService(mock)
	if err := svc.SendText(context.Background(), "5511987654321", "Olá"); !errors.Is(err, mock.Err) {
		t.Errorf("error = %v", err)
	}
	select {
	case r := <-svc.Receipts():
		t.Errorf("unexpected receipt %+v", r)
	default:
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if _, ok := <-svc.Inbound(); ok {
		t.Error("inbound channel should be closed")
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("receipts channel should be closed")
	}
	if err := svc.SendText(context.Background(), "5511987654321", "Olá"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("send after stop = %v", err)
	}
}

func TestWhatsAppService_HandleEvent(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	text := "oi"
	svc.handleEvent(waMessage(&waE2E.Message{Conversation: &text}, false, false))
	select {
	case ev := <-svc.Inbound():
		if ev.Text != "oi" {
			t.Errorf("inbound = %+v", ev)
		}
	default:
		t.Fatal("expected inbound event")
	}

	rcpt := &events.Receipt{Type: types.ReceiptTypeRead, Timestamp: time.Unix(1700000000, 0)}
	rcpt.Chat = types.JID{User: "5511987654321", Server: types.DefaultUserServer}
	svc.handleEvent(rcpt)
	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusRead || r.To != "5511987654321" {
			t.Errorf("receipt = %+v", r)
		}
	default:
		t.Fatal("expected receipt")
	}
}

func TestInboundFromTwilio(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ev, err := InboundFromTwilio("whatsapp:+5511987654321", "geladeira não gela", "SM1", "0", "", at)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Channel != models.ChannelTwilio || ev.Peer != "5511987654321" || ev.MessageID != "SM1" || ev.Media != "" {
		t.Errorf("event = %+v", ev)
	}

	ev, err = InboundFromTwilio("whatsapp:+5511987654321", "", "SM2", "1", "image/jpeg", at)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Media != "image/jpeg" {
		t.Errorf("media = %q", ev.Media)
	}

	if _, err := InboundFromTwilio("whatsapp:+5511987654321", "", "SM3", "0", "", at); err == nil {
		t.Error("expected error for empty message")
	}
	if _, err := InboundFromTwilio("", "oi", "SM4", "0", "", at); err == nil {
		t.Error("expected error for missing sender")
	}
}

func postForm(h http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTwilioService_Webhook(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(svc.WebhookHandler, url.Values{
		"From":       {"whatsapp:+5511987654321"},
		"Body":       {"oi"},
		"MessageSid": {"SM1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case ev := <-svc.Inbound():
		if ev.Peer != "5511987654321" || ev.MessageID != "SM1" || ev.Text != "oi" {
			t.Errorf("inbound = %+v", ev)
		}
	default:
		t.Fatal("expected inbound event")
	}

	rec = postForm(svc.WebhookHandler, url.Values{"From": {"whatsapp:+5511987654321"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d", rec.Code)
	}
}

func TestTwilioService_StatusCallback(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := postForm(svc.WebhookHandler, url.Values{
		"MessageStatus": {"delivered"},
		"To":            {"whatsapp:+5511987654321"},
		"MessageSid":    {"SM9"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusDelivered || r.To != "5511987654321" {
			t.Errorf("receipt = %+v", r)
		}
	default:
		t.Fatal("expected receipt")
	}
}

func TestTwilioService_RejectsBadSignature(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(),
		WithSignatureValidation("secret", "https://example.com/webhooks/twilio"))
	rec := postForm(svc.WebhookHandler, url.Values{
		"From":       {"whatsapp:+5511987654321"},
		"Body":       {"oi"},
		"MessageSid": {"SM1"},
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestTwilioService_SendAndStop(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	if err := svc.SendButtons(context.Background(), "whatsapp:+5511987654321", "Escolha:", []string{"A"}); err != nil {
		t.Fatal(err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "5511987654321" || mock.SentMessages[0].Body != "Escolha:\n\n1. A" {
		t.Errorf("sent = %+v", mock.SentMessages)
	}
	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := svc.SendText(context.Background(), "5511987654321", "oi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("send after stop = %v", err)
	}
	rec := postForm(svc.WebhookHandler, url.Values{"From": {"whatsapp:+5511987654321"}, "Body": {"oi"}})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("webhook after stop status = %d", rec.Code)
	}
}
