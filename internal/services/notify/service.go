// Package notify sends categorized notifications over SMTP, with an optional
// Telegram side channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/marekh/upshub/internal/models"
	"github.com/marekh/upshub/internal/state"
	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

// Service defines the interface for notification delivery.
type Service interface {
	Send(ctx context.Context, g models.GlobalSettings, category models.Category, subject, body string) error
}

// Mailer abstracts SMTP delivery for mocking.
type Mailer interface {
	Send(ctx context.Context, cfg models.SMTPSettings, subject, body string) error
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// errorDebounceWindow suppresses repeat APP_ERROR notifications.
const errorDebounceWindow = 3600 * time.Second

// Impl implements the notification Service.
type Impl struct {
	mailer          Mailer
	httpClient      HTTPClient
	telegramBaseURL string
	debounce        *state.DebounceStore
	logger          zerolog.Logger
	now             func() time.Time
}

// New creates a notification service using a real SMTP mailer.
func New(debounce *state.DebounceStore, logger zerolog.Logger) *Impl {
	return &Impl{
		mailer:          &SMTPMailer{timeout: 10 * time.Second},
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		telegramBaseURL: "https://api.telegram.org",
		debounce:        debounce,
		logger:          logger,
		now:             time.Now,
	}
}

// NewWithClients creates a notification service with custom delivery clients
// and clock (for testing).
func NewWithClients(
	logger zerolog.Logger,
	mailer Mailer,
	httpClient HTTPClient,
	telegramBaseURL string,
	debounce *state.DebounceStore,
	now func() time.Time,
) *Impl {
	return &Impl{
		mailer:          mailer,
		httpClient:      httpClient,
		telegramBaseURL: telegramBaseURL,
		debounce:        debounce,
		logger:          logger,
		now:             now,
	}
}

// Send delivers a notification if its NOTIFY_<CATEGORY> flag is enabled.
// APP_ERROR sends are debounced to one per hour, with the timestamp recorded
// before the delivery attempt so a failing transport cannot cause a storm.
// A delivery failure of any other category is reported as an APP_ERROR; the
// category check keeps that from recursing further.
func (s *Impl) Send(ctx context.Context, g models.GlobalSettings, category models.Category, subject, body string) error {
	if !g.NotifyEnabled[string(category)] {
		s.logger.Info().Str("category", string(category)).Msg("notification disabled, skipping")
		return nil
	}

	if category == models.CategoryAppError {
		if last := s.debounce.LastSent(category); !last.IsZero() && s.now().Sub(last) < errorDebounceWindow {
			s.logger.Warn().Time("last_sent", last).Msg("error notification debounced, skipping")
			return nil
		}
		if err := s.debounce.MarkSent(category, s.now()); err != nil {
			s.logger.Error().Err(err).Msg("could not update debounce timestamp")
		}
	}

	s.logger.Info().Str("category", string(category)).Str("subject", subject).Msg("sending notification")

	s.sendTelegram(ctx, g, subject, body)

	if err := s.mailer.Send(ctx, g.SMTP, subject, body); err != nil {
		s.logger.Error().Err(err).Msg("failed to send email notification")
		if category != models.CategoryAppError {
			_ = s.Send(ctx, g, models.CategoryAppError,
				"[UPS] CRITICAL: Email Sending Failed",
				fmt.Sprintf("The UPS server failed to send an email notification. Error: %v", err))
		}
		return err
	}

	return nil
}

// telegramRequest is the request body for the Telegram sendMessage API.
type telegramRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// sendTelegram delivers to the optional Telegram channel. Failures here are
// logged, never escalated.
func (s *Impl) sendTelegram(ctx context.Context, g models.GlobalSettings, subject, body string) {
	if g.TelegramBotToken == "" || g.TelegramChatID == "" {
		return
	}

	jsonBody, err := json.Marshal(telegramRequest{ChatID: g.TelegramChatID, Text: subject + "\n\n" + body})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal Telegram request")
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.telegramBaseURL, g.TelegramBotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to create Telegram request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		s.logger.Error().Int("status", resp.StatusCode).Msg("Telegram API rejected notification")
		return
	}
	s.logger.Debug().Msg("Telegram notification sent")
}

// SMTPMailer delivers plain-text mail via go-mail.
type SMTPMailer struct {
	timeout time.Duration
}

// Send composes and delivers one message to all configured recipients.
// TLS selection: port 465 always uses implicit SSL; otherwise SMTP_USE_TLS
// picks mandatory ("true"), disabled ("false") or opportunistic STARTTLS
// ("auto", except legacy port 26 which never negotiates TLS).
func (m *SMTPMailer) Send(ctx context.Context, cfg models.SMTPSettings, subject, body string) error {
	if cfg.Server == "" || cfg.SenderEmail == "" || len(cfg.Recipients) == 0 {
		return fmt.Errorf("SMTP server, sender email and recipients must be configured")
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat(cfg.SenderName, cfg.SenderEmail); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(cfg.Recipients...); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(m.timeout),
		mail.WithTLSPolicy(tlsPolicy(cfg)),
	}
	if cfg.Port == 465 {
		opts = append(opts, mail.WithSSL())
	}
	if cfg.User != "" && cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.User),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Server, opts...)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

func tlsPolicy(cfg models.SMTPSettings) mail.TLSPolicy {
	switch cfg.UseTLS {
	case "true":
		return mail.TLSMandatory
	case "false":
		return mail.NoTLS
	default: // auto
		if cfg.Port == 26 {
			return mail.NoTLS
		}
		return mail.TLSOpportunistic
	}
}
