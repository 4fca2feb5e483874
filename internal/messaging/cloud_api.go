package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/store"
	"github.com/go-resty/resty/v2"
)

// DefaultGraphURL is the Meta Graph API base used for the WhatsApp Cloud API.
const DefaultGraphURL = "https://graph.facebook.com/v18.0"

// graphError is the error envelope returned by the Graph API.
type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (e *graphError) message() string {
	if e == nil || e.Error.Message == "" {
		return "unknown error"
	}
	return e.Error.Message
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type sendTextRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type sendTextResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// GraphOpts configures Graph API clients.
type GraphOpts struct {
	BaseURL string
	Timeout time.Duration
}

// GraphOption defines a configuration option for Graph API clients.
type GraphOption func(*GraphOpts)

// WithGraphURL overrides DefaultGraphURL.
func WithGraphURL(url string) GraphOption {
	return func(o *GraphOpts) { o.BaseURL = url }
}

// WithGraphTimeout sets the per-request timeout.
func WithGraphTimeout(d time.Duration) GraphOption {
	return func(o *GraphOpts) { o.Timeout = d }
}

func newGraphClient(opts []GraphOption) *resty.Client {
	cfg := GraphOpts{BaseURL: DefaultGraphURL, Timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	return resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)
}

// CloudAPISender sends text messages through the WhatsApp Cloud API using the
// access token stored on the business that owns the phone number.
type CloudAPISender struct {
	http       *resty.Client
	businesses store.BusinessRepo
}

var _ Sender = (*CloudAPISender)(nil)

// NewCloudAPISender creates a Cloud API sender.
func NewCloudAPISender(businesses store.BusinessRepo, opts ...GraphOption) *CloudAPISender {
	return &CloudAPISender{http: newGraphClient(opts), businesses: businesses}
}

// SendMessage posts a text message to /{phoneNumberID}/messages.
func (s *CloudAPISender) SendMessage(ctx context.Context, businessPhoneID, recipient, text string) (string, error) {
	if businessPhoneID == "" {
		return "", fmt.Errorf("phone number id cannot be empty")
	}
	business, err := s.businesses.GetBusinessByPhoneNumberID(ctx, businessPhoneID)
	if err != nil {
		return "", fmt.Errorf("resolve business for phone number %s: %w", businessPhoneID, err)
	}
	if business.WABAAccessToken == "" {
		return "", fmt.Errorf("business %s has no WhatsApp access token", business.ID)
	}

	var result sendTextResponse
	var apiErr graphError
	resp, err := s.http.R().
		SetContext(ctx).
		SetAuthToken(business.WABAAccessToken).
		SetBody(sendTextRequest{
			MessagingProduct: "whatsapp",
			RecipientType:    "individual",
			To:               strings.TrimPrefix(recipient, "+"),
			Type:             "text",
			Text:             textBody{Body: text},
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/" + businessPhoneID + "/messages")
	if err != nil {
		slog.Error("CloudAPISender.SendMessage: request failed", "businessID", business.ID, "error", err)
		return "", fmt.Errorf("cloud api send request: %w", err)
	}
	if resp.IsError() {
		slog.Error("CloudAPISender.SendMessage: api error", "businessID", business.ID, "statusCode", resp.StatusCode(), "message", apiErr.message())
		return "", fmt.Errorf("cloud api send: status %d: %s", resp.StatusCode(), apiErr.message())
	}
	if len(result.Messages) == 0 || result.Messages[0].ID == "" {
		return "", errors.New("cloud api send: response carried no message id")
	}
	slog.Debug("CloudAPISender.SendMessage: sent", "businessID", business.ID, "messageID", result.Messages[0].ID)
	return result.Messages[0].ID, nil
}

// MetaClient performs the embedded-signup calls that connect a business to the Cloud API.
type MetaClient struct {
	http      *resty.Client
	appID     string
	appSecret string
}

// NewMetaClient creates a Graph API client for the given Meta app.
func NewMetaClient(appID, appSecret string, opts ...GraphOption) *MetaClient {
	return &MetaClient{http: newGraphClient(opts), appID: appID, appSecret: appSecret}
}

// ExchangeCode trades an embedded-signup code for a business access token.
func (m *MetaClient) ExchangeCode(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("code cannot be empty")
	}
	if m.appID == "" || m.appSecret == "" {
		return "", fmt.Errorf("meta app credentials are not configured")
	}
	var result struct {
		AccessToken string `json:"access_token"`
	}
	var apiErr graphError
	resp, err := m.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"client_id":     m.appID,
			"client_secret": m.appSecret,
			"code":          code,
		}).
		SetResult(&result).
		SetError(&apiErr).
		Get("/oauth/access_token")
	if err != nil {
		return "", fmt.Errorf("exchange code request: %w", err)
	}
	if resp.IsError() {
		slog.Error("MetaClient.ExchangeCode: api error", "statusCode", resp.StatusCode(), "message", apiErr.message())
		return "", fmt.Errorf("exchange code: status %d: %s", resp.StatusCode(), apiErr.message())
	}
	if result.AccessToken == "" {
		return "", errors.New("exchange code: response carried no access token")
	}
	return result.AccessToken, nil
}

// FirstPhoneNumberID returns the id of the first phone number registered on the WABA.
func (m *MetaClient) FirstPhoneNumberID(ctx context.Context, wabaID, accessToken string) (string, error) {
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	var apiErr graphError
	resp, err := m.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetResult(&result).
		SetError(&apiErr).
		Get("/" + wabaID + "/phone_numbers")
	if err != nil {
		return "", fmt.Errorf("list phone numbers request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("list phone numbers: status %d: %s", resp.StatusCode(), apiErr.message())
	}
	if len(result.Data) == 0 {
		return "", fmt.Errorf("waba %s has no phone numbers", wabaID)
	}
	return result.Data[0].ID, nil
}

// SubscribeApp subscribes the Meta app to webhooks of the WABA.
func (m *MetaClient) SubscribeApp(ctx context.Context, wabaID, accessToken string) error {
	var result struct {
		Success bool `json:"success"`
	}
	var apiErr graphError
	resp, err := m.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetResult(&result).
		SetError(&apiErr).
		Post("/" + wabaID + "/subscribed_apps")
	if err != nil {
		return fmt.Errorf("subscribe app request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("subscribe app: status %d: %s", resp.StatusCode(), apiErr.message())
	}
	if !result.Success {
		return errors.New("subscribe app: not acknowledged")
	}
	return nil
}

// ConnectBusiness exchanges code and stores the WABA credentials on the business.
// An empty phoneNumberID is resolved from the WABA. Webhook subscription
// failures are logged and do not fail the connection.
func (m *MetaClient) ConnectBusiness(ctx context.Context, businesses store.BusinessRepo, businessID, code, wabaID, phoneNumberID string) (*models.Business, error) {
	if _, err := businesses.GetBusiness(ctx, businessID); err != nil {
		return nil, err
	}
	token, err := m.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if phoneNumberID == "" {
		if phoneNumberID, err = m.FirstPhoneNumberID(ctx, wabaID, token); err != nil {
			return nil, err
		}
	}
	if err := businesses.UpdateWhatsAppCredentials(ctx, businessID, wabaID, phoneNumberID, token); err != nil {
		return nil, fmt.Errorf("store whatsapp credentials: %w", err)
	}
	if err := m.SubscribeApp(ctx, wabaID, token); err != nil {
		slog.Warn("MetaClient.ConnectBusiness: webhook subscription failed", "businessID", businessID, "wabaID", wabaID, "error", err)
	}
	slog.Info("MetaClient.ConnectBusiness: whatsapp connected", "businessID", businessID, "wabaID", wabaID, "phoneNumberID", phoneNumberID)
	return businesses.GetBusiness(ctx, businessID)
}
