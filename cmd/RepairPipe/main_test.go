package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/RepairPipe/internal/detect"
	"github.com/BTreeMap/RepairPipe/internal/store"
	"github.com/BTreeMap/RepairPipe/internal/tools"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func testFlags(channel, stateDir string) Flags {
	return Flags{
		qrOutput:  strPtr(""),
		numeric:   boolPtr(false),
		stateDir:  strPtr(stateDir),
		dbDSN:     strPtr(""),
		openaiKey: strPtr(""),
		apiAddr:   strPtr(":0"),
		channel:   strPtr(channel),
	}
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"REPAIRPIPE_STATE_DIR", "MESSAGING_CHANNEL", "WHATSAPP_DB_DSN", "REENGAGEMENT_ENABLED",
		"REENGAGEMENT_GAP", "BOOKING_VERIFY_WINDOW", "PHONE_SUFFIX_MATCH", "BACKEND_RATE_LIMIT",
	} {
		t.Setenv(key, "")
	}
	config := loadEnvironmentConfig()

	if config.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q", config.StateDir)
	}
	if config.Channel != DefaultChannel {
		t.Errorf("Channel = %q", config.Channel)
	}
	if config.WhatsAppDSN != "file:/var/lib/repairpipe/whatsmeow.db?_foreign_keys=on" {
		t.Errorf("WhatsAppDSN = %q", config.WhatsAppDSN)
	}
	if config.ReengagementEnabled {
		t.Error("re-engagement should be off by default")
	}
	if config.ReengagementGap != detect.DefaultReengagementGap {
		t.Errorf("ReengagementGap = %v", config.ReengagementGap)
	}
	if config.BookingVerifyWindow != tools.DefaultVerifyWindow {
		t.Errorf("BookingVerifyWindow = %v", config.BookingVerifyWindow)
	}
	if config.PhoneSuffixMatch != 0 {
		t.Errorf("PhoneSuffixMatch = %d, exact matching is the default", config.PhoneSuffixMatch)
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	t.Setenv("REPAIRPIPE_STATE_DIR", "/tmp/rp")
	t.Setenv("MESSAGING_CHANNEL", " Twilio ")
	t.Setenv("WHATSAPP_DB_DSN", "")
	t.Setenv("REENGAGEMENT_ENABLED", "true")
	t.Setenv("REENGAGEMENT_GAP", "2h")
	t.Setenv("PHONE_SUFFIX_MATCH", "8")
	t.Setenv("BACKEND_RATE_LIMIT", "2.5")

	config := loadEnvironmentConfig()
	if config.Channel != "twilio" {
		t.Errorf("Channel = %q", config.Channel)
	}
	if !strings.Contains(config.WhatsAppDSN, "/tmp/rp/whatsmeow.db") {
		t.Errorf("WhatsAppDSN = %q", config.WhatsAppDSN)
	}
	if !config.ReengagementEnabled || config.ReengagementGap != 2*time.Hour {
		t.Errorf("re-engagement = %v/%v", config.ReengagementEnabled, config.ReengagementGap)
	}
	if config.PhoneSuffixMatch != 8 {
		t.Errorf("PhoneSuffixMatch = %d", config.PhoneSuffixMatch)
	}
	if config.BackendRateLimit != 2.5 {
		t.Errorf("BackendRateLimit = %v", config.BackendRateLimit)
	}

	t.Setenv("BACKEND_RATE_LIMIT", "fast")
	if got := loadEnvironmentConfig().BackendRateLimit; got != 0 {
		t.Errorf("invalid rate limit = %v, want 0", got)
	}
}

func TestOpenStore(t *testing.T) {
	st, err := openStore("")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(*store.InMemoryStore); !ok {
		t.Errorf("empty DSN store = %T", st)
	}
	st.Close()

	path := filepath.Join(t.TempDir(), "data", "repairpipe.db")
	st, err = openStore(path)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer st.Close()
	if _, ok := st.(*store.SQLiteStore); !ok {
		t.Errorf("file DSN store = %T", st)
	}
}

func TestBuildToolsOptions(t *testing.T) {
	config := Config{BackendPrimaryURL: "http://primary", BookingVerifyWindow: time.Hour}
	opts, err := buildToolsOptions(config)
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 2 {
		t.Errorf("options = %d, want 2", len(opts))
	}

	config.BackendFallbackURL = "http://fallback"
	config.PhoneSuffixMatch = 8
	config.BackendRateLimit = 1
	opts, err = buildToolsOptions(config)
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 5 {
		t.Errorf("options = %d, want 5", len(opts))
	}

	config.PricingTableFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := buildToolsOptions(config); err == nil {
		t.Error("missing pricing table should fail")
	}
}

func TestBuildWhatsAppOptionsFollowsStateDirFlag(t *testing.T) {
	config := Config{StateDir: "/a"}
	config.WhatsAppDSN = whatsAppDSNFor(config.StateDir)
	flags := testFlags("whatsapp", "/b")
	flags.numeric = boolPtr(true)
	flags.qrOutput = strPtr("/tmp/qr.txt")

	if got := len(buildWhatsAppOptions(config, flags)); got != 3 {
		t.Errorf("options = %d, want 3", got)
	}
	if got := whatsAppDSNFor("/b"); got != "file:/b/whatsmeow.db?_foreign_keys=on" {
		t.Errorf("dsn = %q", got)
	}
}

func TestOpenChannelRejectsUnknown(t *testing.T) {
	_, _, _, err := openChannel(context.Background(), Config{}, testFlags("telegram", t.TempDir()))
	if err == nil || !strings.Contains(err.Error(), "telegram") {
		t.Errorf("err = %v", err)
	}
}
