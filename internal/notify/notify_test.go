package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/apperr"
	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/events"
	"github.com/pulsewatch/pulsewatch/internal/registry"
	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

func sampleEvent(typ string) events.TransitionEvent {
	return events.TransitionEvent{
		Type:       typ,
		SourceType: "monitor",
		ID:         "api",
		Name:       "API",
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Downtime:   3 * time.Minute,
	}
}

func TestSubjectFormatting(t *testing.T) {
	tests := []struct {
		typ  string
		want string
	}{
		{"down", "[DOWN] API is down"},
		{"still-down", "[STILL DOWN] API has been down for 3m0s"},
		{"degraded", "[DEGRADED] API is degraded"},
		{"recovered", "[RECOVERED] API is back up after 3m0s"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			if got := Subject(sampleEvent(tt.typ)); got != tt.want {
				t.Errorf("Subject = %q, want %q", got, tt.want)
			}
		})
	}

	// Recovered without downtime drops the duration clause.
	ev := sampleEvent("recovered")
	ev.Downtime = 0
	if got := Subject(ev); got != "[RECOVERED] API is back up" {
		t.Errorf("Subject = %q", got)
	}
}

func TestBodyIncludesGroupCounters(t *testing.T) {
	ev := sampleEvent("down")
	ev.SourceType = "group"
	ev.GroupInfo = &events.GroupInfo{Up: 1, Down: 2, Unknown: 0, Total: 3}

	body := Body(ev)
	if !strings.Contains(body, "Children: 1 up, 2 down, 0 unknown of 3") {
		t.Errorf("body missing child counters:\n%s", body)
	}
	if !strings.Contains(body, "Downtime: 3m0s") {
		t.Errorf("body missing downtime:\n%s", body)
	}
}

func TestWebhookProviderPayload(t *testing.T) {
	var got map[string]any
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("X-Auth")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &webhookProvider{
		cfg: &config.WebhookConfig{
			Enabled: true,
			URL:     srv.URL,
			Headers: map[string]string{"X-Auth": "secret"},
		},
		client: srv.Client(),
	}
	if err := p.Send(context.Background(), sampleEvent("down")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got["type"] != "down" || got["id"] != "api" {
		t.Errorf("payload = %v", got)
	}
	if got["downtimeMs"] != float64(180000) {
		t.Errorf("downtimeMs = %v, want 180000", got["downtimeMs"])
	}
	if authHeader != "secret" {
		t.Error("custom header not forwarded")
	}
}

func TestWebhookProviderFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := &webhookProvider{cfg: &config.WebhookConfig{URL: srv.URL}, client: srv.Client()}
	err := p.Send(context.Background(), sampleEvent("down"))
	if !apperr.Is(err, apperr.KindProviderFailure) {
		t.Errorf("expected ProviderFailure, got %v", err)
	}
}

func TestNtfyProviderHeaders(t *testing.T) {
	type captured struct {
		path, title, priority, auth string
	}
	var got captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = captured{
			path:     r.URL.Path,
			title:    r.Header.Get("Title"),
			priority: r.Header.Get("Priority"),
			auth:     r.Header.Get("Authorization"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := &ntfyProvider{
		cfg:    &config.NtfyConfig{URL: srv.URL, Topic: "alerts", Token: "tok"},
		client: srv.Client(),
	}
	if err := p.Send(context.Background(), sampleEvent("down")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got.path != "/alerts" {
		t.Errorf("path = %q, want /alerts", got.path)
	}
	if got.priority != "high" {
		t.Errorf("down event priority = %q, want high", got.priority)
	}
	if got.auth != "Bearer tok" {
		t.Errorf("auth = %q", got.auth)
	}
	if !strings.Contains(got.title, "[DOWN]") {
		t.Errorf("title = %q", got.title)
	}

	// Recovery downgrades the priority.
	if err := p.Send(context.Background(), sampleEvent("recovered")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got.priority != "default" {
		t.Errorf("recovered priority = %q, want default", got.priority)
	}
}

func TestEmailProviderHonorsDeadline(t *testing.T) {
	// A server that accepts the connection but never speaks SMTP.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()
	go func() {
		var conns []net.Conn
		defer func() {
			for _, c := range conns {
				c.Close()
			}
		}()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	p := &emailProvider{cfg: &config.EmailConfig{
		Enabled: true, Host: host, Port: port,
		From: "alerts@example.com", To: []string{"ops@example.com"},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = p.Send(ctx, sampleEvent("down"))
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected an error from a mute mail server")
	}
	if !apperr.Is(err, apperr.KindProviderFailure) {
		t.Errorf("expected ProviderFailure, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Send blocked %v past a 100ms deadline", elapsed)
	}
}

func TestProvidersForExpandsEnabledOnly(t *testing.T) {
	ch := &config.ChannelConfig{
		ID:      "ops",
		Enabled: true,
		Webhook: &config.WebhookConfig{Enabled: true, URL: "http://example.com"},
		Ntfy:    &config.NtfyConfig{Enabled: false, URL: "http://example.com", Topic: "t"},
		Email:   &config.EmailConfig{Enabled: true, Host: "mail", Port: 25, From: "a@b", To: []string{"c@d"}},
	}
	got := providersFor(ch, http.DefaultClient)
	names := map[string]bool{}
	for _, p := range got {
		names[p.Name()] = true
	}
	if len(got) != 2 || !names["webhook"] || !names["email"] {
		t.Errorf("providers = %v, want webhook and email only", names)
	}
}

func TestDispatchIsolation(t *testing.T) {
	var okCalls, failCalls atomic.Int64
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		okCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		failCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()

	cfg := &config.Config{
		Storage:  config.StorageConfig{Host: "localhost", DBName: "pulsewatch"},
		AdminAPI: config.AdminAPIConfig{Token: "0123456789abcdef0123"},
		Monitors: []config.MonitorConfig{
			{ID: "api", Token: "api-token-1", Name: "API", IntervalSeconds: 60, NotificationChannels: []string{"flaky", "solid"}},
		},
		Channels: []config.ChannelConfig{
			{ID: "flaky", Enabled: true, Webhook: &config.WebhookConfig{Enabled: true, URL: failSrv.URL}},
			{ID: "solid", Enabled: true, Webhook: &config.WebhookConfig{Enabled: true, URL: okSrv.URL}},
			{ID: "off", Enabled: false, Webhook: &config.WebhookConfig{Enabled: true, URL: okSrv.URL}},
		},
	}
	cfg.ApplyDefaults()

	bus := events.NewBus(16)
	defer bus.Close()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	reg, err := registry.New("unused.toml", cfg, bus, logger)
	if err != nil {
		t.Fatalf("registry rejected config: %v", err)
	}

	d := NewDispatcher(reg, bus, telemetry.New(), 2*time.Second, logger)
	d.Dispatch(context.Background(), []string{"flaky", "solid", "off", "missing"}, sampleEvent("down"))

	if okCalls.Load() != 1 {
		t.Errorf("healthy channel calls = %d, want 1", okCalls.Load())
	}
	if failCalls.Load() != 1 {
		t.Errorf("failing channel calls = %d, want 1 (no retries)", failCalls.Load())
	}
}
