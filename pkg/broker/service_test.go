package broker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/imkiwa/landscape-client/pkg/transport"
	"github.com/imkiwa/landscape-client/pkg/wireformat"
)

func TestRegistrationHandshake(t *testing.T) {
	sawRegister := false
	ft := &transport.FuncTransport{}
	ft.Responder = func(payload []byte, headers map[string]string) ([]byte, error) {
		var req map[string]interface{}
		if err := wireformat.Default().Decode(payload, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		messages, _ := req["messages"].([]interface{})
		for _, rm := range messages {
			if msg, ok := rm.(map[string]interface{}); ok && msg["type"] == "register" {
				sawRegister = true
				if msg["computer-title"] != "T" || msg["account-name"] != "A" {
					t.Fatalf("register message = %#v", msg)
				}
			}
		}
		if !sawRegister {
			return wireformat.Default().Encode(map[string]interface{}{})
		}
		return wireformat.Default().Encode(map[string]interface{}{
			"next-expected-sequence": uint64(2),
			"messages": []interface{}{
				map[string]interface{}{"type": "set-id", "id": "abc", "insecure-id": "def"},
			},
		})
	}

	foo := &fakeClient{name: "foo"}
	svc, err := NewService(Config{
		Transport:              ft,
		DataPath:               t.TempDir(),
		ComputerTitle:          "T",
		AccountName:            "A",
		ExchangeInterval:       time.Hour,
		UrgentExchangeInterval: time.Hour,
	}, map[string]ClientConnector{"foo": &fakeConnector{client: foo}})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	srv := svc.Server()
	registerClient(t, srv, "foo")

	done := srv.ListenEvents([]string{"registration-done", "registration-failed"})
	regf := srv.Register()

	if _, err := svc.Exchange().Exchange().Wait(context.Background()); err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !sawRegister {
		t.Fatalf("no register message reached the server")
	}

	v, err := regf.Wait(context.Background())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if v != "abc" {
		t.Fatalf("Register resolved with %v, want abc", v)
	}
	if name, _ := done.Wait(context.Background()); name != "registration-done" {
		t.Fatalf("event = %v, want registration-done", name)
	}
	if sid, _ := svc.Identity().SecureID(); sid != "abc" {
		t.Fatalf("SecureID = %q, want abc", sid)
	}
	if iid, _ := svc.Identity().InsecureID(); iid != "def" {
		t.Fatalf("InsecureID = %q, want def", iid)
	}
	waitFor(t, func() bool { return foo.sawEvent("registration-done") }, "registration-done broadcast")

	// The next round must identify the host with the issued secure id.
	if _, err := svc.Exchange().Exchange().Wait(context.Background()); err != nil {
		t.Fatalf("post-registration exchange: %v", err)
	}
	if ft.Headers["X-Computer-ID"] != "abc" {
		t.Fatalf("X-Computer-ID = %q, want abc", ft.Headers["X-Computer-ID"])
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	dataPath := t.TempDir()
	cfg := Config{
		Transport:              transport.NewFuncTransport(nil),
		DataPath:               dataPath,
		ExchangeInterval:       time.Hour,
		UrgentExchangeInterval: time.Hour,
	}

	svc1, err := NewService(cfg, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc1.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	seq, err := svc1.Server().SendMessage(map[string]interface{}{"type": "test"}, false)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := svc1.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	svc2, err := NewService(cfg, nil)
	if err != nil {
		t.Fatalf("NewService after restart: %v", err)
	}
	if !svc2.Server().IsMessagePending(seq) {
		t.Fatalf("message %d lost across restart", seq)
	}
	pending := svc2.Store().GetPendingMessages(10)
	if len(pending) != 1 || pending[0].Payload["type"] != "test" {
		t.Fatalf("pending after restart = %#v", pending)
	}
}

func TestExitStopsService(t *testing.T) {
	svc := newTestService(t, nil, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := svc.Server().Exit().Wait(context.Background()); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	select {
	case <-svc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop after exit")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (&Config{}).Validate(); err != ErrNoServerURL {
		t.Fatalf("err = %v, want ErrNoServerURL", err)
	}
	if err := (&Config{URL: "https://example.com"}).Validate(); err != ErrNoDataPath {
		t.Fatalf("err = %v, want ErrNoDataPath", err)
	}
	cfg := &Config{URL: "https://example.com", DataPath: "/var/lib/landscape"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cfg.applyDefaults()
	if cfg.MessageStorePath != filepath.Join("/var/lib/landscape", SnapshotFilename) {
		t.Fatalf("MessageStorePath = %q", cfg.MessageStorePath)
	}
	if cfg.ExchangeInterval != 15*time.Minute || cfg.UrgentExchangeInterval != 10*time.Second {
		t.Fatalf("intervals = %v/%v", cfg.ExchangeInterval, cfg.UrgentExchangeInterval)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.conf")
	content := `{
		"url": "https://landscape.example.com/message-system",
		"ping-url": "https://landscape.example.com/ping",
		"data-path": "` + dir + `",
		"computer-title": "T1",
		"account-name": "A1",
		"exchange-interval": 900,
		"urgent-exchange-interval": 10,
		"ping-interval": 60
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfigFile(path, nil)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.URL != "https://landscape.example.com/message-system" {
		t.Fatalf("URL = %q", cfg.URL)
	}
	if cfg.ExchangeInterval != 15*time.Minute {
		t.Fatalf("ExchangeInterval = %v", cfg.ExchangeInterval)
	}
	if cfg.ComputerTitle != "T1" || cfg.AccountName != "A1" {
		t.Fatalf("identity options = %q/%q", cfg.ComputerTitle, cfg.AccountName)
	}
}

func TestReloadConfigurationAppliesIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.conf")
	write := func(title string) {
		content := `{"url": "https://example.com/msg", "data-path": "` + dir + `", "computer-title": "` + title + `", "account-name": "A"}`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	write("before")

	svc, err := NewServiceFromFile(path, nil)
	if err != nil {
		t.Fatalf("NewServiceFromFile: %v", err)
	}
	if svc.Identity().ComputerTitle() != "before" {
		t.Fatalf("ComputerTitle = %q", svc.Identity().ComputerTitle())
	}

	write("after")
	if _, err := svc.Server().ReloadConfiguration().Wait(context.Background()); err != nil {
		t.Fatalf("ReloadConfiguration: %v", err)
	}
	if svc.Identity().ComputerTitle() != "after" {
		t.Fatalf("ComputerTitle = %q, want after", svc.Identity().ComputerTitle())
	}
}
