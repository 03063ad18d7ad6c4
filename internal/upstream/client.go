package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/chatforge/wa-gateway/internal/adapter"
	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/logger"
)

// Graph error codes that matter for classification
const (
	errCodeInvalidToken     = 190
	errCodeInvalidRecipient = 131026
	errCodeRecipientBlocked = 131030
)

// Client defines the messaging platform API operations the gateway consumes
type Client interface {
	// ExchangeCode exchanges an authorization code for an access token.
	// Terminal rejections surface ErrCodeExpired; transient failures
	// surface ErrUpstreamUnavailable.
	ExchangeCode(ctx context.Context, code string) (string, error)

	// AccountInfo discovers the WhatsApp Business account and phone number
	// reachable with the token
	AccountInfo(ctx context.Context, accessToken string) (*AccountInfo, error)

	// SendText sends a text message and returns the upstream message id.
	// Exactly one attempt; the caller owns retry policy.
	SendText(ctx context.Context, accessToken, phoneNumberID, recipient, body string) (string, error)

	// DebugToken reports whether an access token is still valid upstream
	DebugToken(ctx context.Context, accessToken string) (bool, error)
}

// AccountInfo describes the connected WhatsApp Business account
type AccountInfo struct {
	WABAID        string
	BusinessName  string
	PhoneNumberID string
	PhoneNumber   string
}

// Config holds the platform API settings
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

type graphClient struct {
	config Config
	http   adapter.HTTPClient
}

// NewClient creates a Graph API client
func NewClient(cfg Config, httpClient adapter.HTTPClient) Client {
	return &graphClient{config: cfg, http: httpClient}
}

// graphError is the platform's error envelope
type graphError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

// ExchangeCode exchanges an authorization code for an access token
func (c *graphClient) ExchangeCode(ctx context.Context, code string) (string, error) {
	params := url.Values{}
	params.Set("client_id", c.config.ClientID)
	params.Set("client_secret", c.config.ClientSecret)
	params.Set("redirect_uri", c.config.RedirectURI)
	params.Set("code", code)

	var result struct {
		AccessToken string `json:"access_token"`
	}
	err := c.http.Get(ctx, c.config.BaseURL+"/oauth/access_token?"+params.Encode(), nil, &result)
	if err != nil {
		var statusErr *adapter.HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
			// The authorization server rejected the code itself; retrying
			// cannot help, the user must restart the flow.
			return "", fmt.Errorf("%w: %s", domain.ErrCodeExpired, graphErrorMessage(statusErr.Body))
		}
		return "", fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}

	if result.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token in exchange response", domain.ErrUpstreamUnavailable)
	}
	return result.AccessToken, nil
}

// AccountInfo discovers the WhatsApp Business account and phone number
func (c *graphClient) AccountInfo(ctx context.Context, accessToken string) (*AccountInfo, error) {
	headers := map[string]string{"Authorization": "Bearer " + accessToken}

	var me struct {
		ID string `json:"id"`
	}
	if err := c.http.Get(ctx, c.config.BaseURL+"/me", headers, &me); err != nil {
		return nil, fmt.Errorf("failed to fetch account owner: %w", err)
	}

	var wabas struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	wabaURL := fmt.Sprintf("%s/%s/owned_whatsapp_business_accounts", c.config.BaseURL, me.ID)
	if err := c.http.Get(ctx, wabaURL, headers, &wabas); err != nil {
		return nil, fmt.Errorf("failed to list business accounts: %w", err)
	}
	if len(wabas.Data) == 0 {
		return nil, fmt.Errorf("no whatsapp business account reachable with token")
	}

	info := &AccountInfo{
		WABAID:       wabas.Data[0].ID,
		BusinessName: wabas.Data[0].Name,
	}

	var phones struct {
		Data []struct {
			ID                 string `json:"id"`
			DisplayPhoneNumber string `json:"display_phone_number"`
		} `json:"data"`
	}
	phonesURL := fmt.Sprintf("%s/%s/phone_numbers", c.config.BaseURL, info.WABAID)
	if err := c.http.Get(ctx, phonesURL, headers, &phones); err != nil {
		return nil, fmt.Errorf("failed to list phone numbers: %w", err)
	}
	if len(phones.Data) == 0 {
		return nil, fmt.Errorf("business account %s has no phone numbers", info.WABAID)
	}

	info.PhoneNumberID = phones.Data[0].ID
	info.PhoneNumber = phones.Data[0].DisplayPhoneNumber
	return info, nil
}

// sendRequest is the platform send payload
type sendRequest struct {
	MessagingProduct string      `json:"messaging_product"`
	RecipientType    string      `json:"recipient_type"`
	To               string      `json:"to"`
	Type             string      `json:"type"`
	Text             textContent `json:"text"`
}

type textContent struct {
	Body string `json:"body"`
}

// SendText sends a text message through the platform API
func (c *graphClient) SendText(ctx context.Context, accessToken, phoneNumberID, recipient, body string) (string, error) {
	sendURL := fmt.Sprintf("%s/%s/messages", c.config.BaseURL, phoneNumberID)
	headers := map[string]string{"Authorization": "Bearer " + accessToken}
	payload := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipient,
		Type:             "text",
		Text:             textContent{Body: body},
	}

	status, respBody, err := c.http.PostJSON(ctx, sendURL, headers, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return "", domain.ErrSendTimeout
		}
		return "", fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}

	if status < 200 || status >= 300 {
		return "", classifySendFailure(status, respBody)
	}

	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Messages) == 0 {
		return "", fmt.Errorf("%w: unexpected send response: %s", domain.ErrUpstreamUnavailable, string(respBody))
	}
	return result.Messages[0].ID, nil
}

// classifySendFailure maps platform error responses to domain errors
func classifySendFailure(status int, body []byte) error {
	var ge graphError
	_ = json.Unmarshal(body, &ge)

	switch {
	case status == http.StatusUnauthorized || ge.Error.Code == errCodeInvalidToken:
		return fmt.Errorf("%w: %s", domain.ErrCredentialRevoked, ge.Error.Message)
	case ge.Error.Code == errCodeInvalidRecipient || ge.Error.Code == errCodeRecipientBlocked:
		return fmt.Errorf("%w: %s", domain.ErrInvalidRecipient, ge.Error.Message)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d: %s", domain.ErrUpstreamUnavailable, status, ge.Error.Message)
	default:
		logger.Warn("unclassified upstream send failure",
			zap.Int("status", status),
			zap.Int("code", ge.Error.Code),
		)
		return fmt.Errorf("upstream rejected send: status %d code %d: %s", status, ge.Error.Code, ge.Error.Message)
	}
}

// DebugToken reports whether an access token is still valid upstream
func (c *graphClient) DebugToken(ctx context.Context, accessToken string) (bool, error) {
	params := url.Values{}
	params.Set("input_token", accessToken)
	params.Set("access_token", c.config.ClientID+"|"+c.config.ClientSecret)

	var result struct {
		Data struct {
			IsValid bool `json:"is_valid"`
		} `json:"data"`
	}
	if err := c.http.Get(ctx, c.config.BaseURL+"/debug_token?"+params.Encode(), nil, &result); err != nil {
		return false, err
	}
	return result.Data.IsValid, nil
}

func graphErrorMessage(body []byte) string {
	var ge graphError
	if err := json.Unmarshal(body, &ge); err != nil || ge.Error.Message == "" {
		return string(body)
	}
	return ge.Error.Message
}
