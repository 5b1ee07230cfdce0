package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCreator struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestSendMessage(t *testing.T) {
	fake := &fakeCreator{}
	c := &Client{api: fake, fromWhats: WhatsAppAddress("+5511900000000")}
	if err := c.SendMessage(context.Background(), "5511987654321", "Olá"); err != nil {
		t.Fatal(err)
	}
	if len(fake.params) != 1 {
		t.Fatalf("calls = %d", len(fake.params))
	}
	p := fake.params[0]
	if *p.To != "whatsapp:+5511987654321" || *p.From != "whatsapp:+5511900000000" || *p.Body != "Olá" {
		t.Errorf("params = to %q from %q body %q", *p.To, *p.From, *p.Body)
	}

	fake.err = errors.New("rate limited")
	if err := c.SendMessage(context.Background(), "5511987654321", "Olá"); !errors.Is(err, fake.err) {
		t.Errorf("error = %v", err)
	}
}

func TestAddresses(t *testing.T) {
	tests := []struct{ in, address, peer string }{
		{"5511987654321", "whatsapp:+5511987654321", "5511987654321"},
		{"+5511987654321", "whatsapp:+5511987654321", "5511987654321"},
		{"whatsapp:+5511987654321", "whatsapp:+5511987654321", "5511987654321"},
	}
	for _, tt := range tests {
		if got := WhatsAppAddress(tt.in); got != tt.address {
			t.Errorf("WhatsAppAddress(%q) = %q, want %q", tt.in, got, tt.address)
		}
		if got := PeerFromAddress(tt.in); got != tt.peer {
			t.Errorf("PeerFromAddress(%q) = %q, want %q", tt.in, got, tt.peer)
		}
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without sender number")
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+5511900000000"))
	if err != nil {
		t.Fatal(err)
	}
	if c.fromWhats != "whatsapp:+5511900000000" {
		t.Errorf("from = %q", c.fromWhats)
	}
}

func TestMockClient_SendMessage(t *testing.T) {
	mock := NewMockClient()
	if err := mock.SendMessage(context.Background(), "12345", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].Body != "Hello Test" {
		t.Errorf("sent = %+v", mock.SentMessages)
	}
}
