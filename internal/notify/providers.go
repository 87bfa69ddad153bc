package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"

	"github.com/pulsewatch/pulsewatch/internal/apperr"
	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/events"
)

type emailProvider struct {
	cfg *config.EmailConfig
}

func (p *emailProvider) Name() string { return "email" }

// Send drives the SMTP session by hand so the context's deadline reaches
// the connection; a hung mail server must not outlive the dispatcher's
// per-provider timeout.
func (p *emailProvider) Send(ctx context.Context, ev events.TransitionEvent) error {
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", p.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(p.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n\r\n", Subject(ev))
	msg.WriteString(Body(ev))

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return apperr.Wrap(apperr.KindProviderFailure, "smtp dial failed", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Cancellation without a deadline still unblocks the session.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, p.cfg.Host)
	if err != nil {
		conn.Close()
		return apperr.Wrap(apperr.KindProviderFailure, "smtp handshake failed", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: p.cfg.Host}); err != nil {
			return apperr.Wrap(apperr.KindProviderFailure, "smtp starttls failed", err)
		}
	}
	if p.cfg.Username != "" {
		auth := smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return apperr.Wrap(apperr.KindProviderFailure, "smtp auth failed", err)
		}
	}
	if err := client.Mail(p.cfg.From); err != nil {
		return apperr.Wrap(apperr.KindProviderFailure, "smtp mail failed", err)
	}
	for _, rcpt := range p.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return apperr.Wrap(apperr.KindProviderFailure, "smtp rcpt failed", err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return apperr.Wrap(apperr.KindProviderFailure, "smtp data failed", err)
	}
	if _, err := w.Write([]byte(msg.String())); err != nil {
		return apperr.Wrap(apperr.KindProviderFailure, "smtp write failed", err)
	}
	if err := w.Close(); err != nil {
		return apperr.Wrap(apperr.KindProviderFailure, "smtp write failed", err)
	}
	if err := client.Quit(); err != nil {
		return apperr.Wrap(apperr.KindProviderFailure, "smtp quit failed", err)
	}
	return nil
}

type discordProvider struct {
	cfg    *config.DiscordConfig
	client *http.Client
}

func (p *discordProvider) Name() string { return "discord" }

func (p *discordProvider) Send(ctx context.Context, ev events.TransitionEvent) error {
	payload := map[string]any{
		"content": fmt.Sprintf("**%s**\n%s", Subject(ev), Body(ev)),
	}
	return postJSON(ctx, p.client, p.cfg.WebhookURL, nil, payload)
}

type ntfyProvider struct {
	cfg    *config.NtfyConfig
	client *http.Client
}

func (p *ntfyProvider) Name() string { return "ntfy" }

func (p *ntfyProvider) Send(ctx context.Context, ev events.TransitionEvent) error {
	endpoint := strings.TrimRight(p.cfg.URL, "/") + "/" + p.cfg.Topic
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(Body(ev)))
	if err != nil {
		return apperr.Wrap(apperr.KindProviderFailure, "ntfy request build failed", err)
	}
	req.Header.Set("Title", Subject(ev))
	if ev.Type == "recovered" {
		req.Header.Set("Priority", "default")
		req.Header.Set("Tags", "white_check_mark")
	} else {
		req.Header.Set("Priority", "high")
		req.Header.Set("Tags", "rotating_light")
	}
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
	return doRequest(p.client, req, "ntfy")
}

type telegramProvider struct {
	cfg    *config.TelegramConfig
	client *http.Client
}

func (p *telegramProvider) Name() string { return "telegram" }

func (p *telegramProvider) Send(ctx context.Context, ev events.TransitionEvent) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", url.PathEscape(p.cfg.BotToken))
	payload := map[string]any{
		"chat_id": p.cfg.ChatID,
		"text":    Subject(ev) + "\n\n" + Body(ev),
	}
	return postJSON(ctx, p.client, endpoint, nil, payload)
}

type webhookProvider struct {
	cfg    *config.WebhookConfig
	client *http.Client
}

func (p *webhookProvider) Name() string { return "webhook" }

func (p *webhookProvider) Send(ctx context.Context, ev events.TransitionEvent) error {
	payload := map[string]any{
		"type":       ev.Type,
		"sourceType": ev.SourceType,
		"id":         ev.ID,
		"name":       ev.Name,
		"timestamp":  ev.Timestamp.UTC(),
		"downtimeMs": ev.Downtime.Milliseconds(),
	}
	if ev.GroupInfo != nil {
		payload["group"] = ev.GroupInfo
	}
	return postJSON(ctx, p.client, p.cfg.URL, p.cfg.Headers, payload)
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.Wrap(apperr.KindProviderFailure, "payload encode failed", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindProviderFailure, "request build failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doRequest(client, req, endpoint)
}

func doRequest(client *http.Client, req *http.Request, sink string) error {
	resp, err := client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindProviderFailure, "send failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return apperr.Newf(apperr.KindProviderFailure, "%s returned status %d", sink, resp.StatusCode)
	}
	return nil
}
