// Package notification abstracts SMS delivery. The state machine treats sends
// as best-effort: a provider failure is logged, not propagated (forgot-password
// is the one caller that inspects the error).
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"carpool-auth/internal/config"
	"carpool-auth/internal/util"
)

// Gateway sends a message to a phone number and returns the provider's
// message id.
type Gateway interface {
	Send(ctx context.Context, phone, message string) (string, error)
}

// OTPMessage formats the verification-code SMS body.
func OTPMessage(code string, validity time.Duration) string {
	return fmt.Sprintf("Your Carpooling verification code is %s. Valid for %d minutes. Do not share this code.",
		code, int(validity.Minutes()))
}

// ResetMessage formats the password-reset SMS body.
func ResetMessage(code string, validity time.Duration) string {
	return fmt.Sprintf("Your Carpooling password reset code is %s. Valid for %d minutes. Do not share this code.",
		code, int(validity.Minutes()))
}

const WelcomeMessage = "Welcome to Carpooling! Your account has been created successfully. Start sharing rides and saving money today!"

const PasswordChangedMessage = "Your Carpooling password has been changed successfully. If you didn't make this change, please contact support immediately."

// NewGateway returns the HTTP provider when one is configured and the logging
// no-op otherwise, so development environments work without credentials.
func NewGateway(cfg config.SMSConfig) Gateway {
	if cfg.ProviderURL == "" || cfg.APIKey == "" {
		util.Warn("SMS provider not configured, falling back to log-only gateway")
		return &LogGateway{}
	}
	return &HTTPGateway{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    cfg.ProviderURL,
		apiKey: cfg.APIKey,
		sender: cfg.Sender,
	}
}

// HTTPGateway posts messages to a REST SMS provider.
type HTTPGateway struct {
	client *http.Client
	url    string
	apiKey string
	sender string
}

type providerRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
}

type providerResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

func (g *HTTPGateway) Send(ctx context.Context, phone, message string) (string, error) {
	body, err := json.Marshal(providerRequest{To: phone, From: g.sender, Message: message})
	if err != nil {
		return "", fmt.Errorf("failed to encode sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	var out providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode sms provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("sms provider rejected message: status %d: %s", resp.StatusCode, out.Error)
	}

	util.Debug("SMS delivered",
		util.String("phone", phone),
		util.String("message_id", out.MessageID),
	)
	return out.MessageID, nil
}

// LogGateway logs instead of sending. Used when no provider is configured.
type LogGateway struct{}

func (g *LogGateway) Send(_ context.Context, phone, message string) (string, error) {
	util.Info("SMS (log-only gateway)",
		util.String("phone", phone),
		util.String("message", message),
	)
	return fmt.Sprintf("log-%d", time.Now().UnixNano()), nil
}
