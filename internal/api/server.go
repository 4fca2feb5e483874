// Package api provides the HTTP surface of BizMitra.
//
// It receives WhatsApp webhooks (Meta Cloud API and Twilio), serves the web
// chat endpoints used by business websites, and exposes the owner-facing
// business, profile, calendar and task endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/store"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/twilio/twilio-go/client"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultVerifyToken is the Meta webhook verification token.
	DefaultVerifyToken = "waba_ai_verify"
	// DefaultChatRateLimit is the per-client rate of the web chat routes in ulule format.
	DefaultChatRateLimit = "30-M"
	// shutdownTimeout bounds graceful shutdown of the HTTP server.
	shutdownTimeout = 10 * time.Second
)

// ProfileService reads and writes business profiles.
type ProfileService interface {
	GetProfileByBusinessID(ctx context.Context, businessID string) (*models.BusinessProfile, error)
	SaveProfile(ctx context.Context, p *models.BusinessProfile) error
}

// CalendarAuthorizer runs the Google Calendar consent flow.
type CalendarAuthorizer interface {
	Configured() bool
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
}

// WhatsAppConnector stores Cloud API credentials from an embedded-signup code.
type WhatsAppConnector interface {
	ConnectBusiness(ctx context.Context, businesses store.BusinessRepo, businessID, code, wabaID, phoneNumberID string) (*models.Business, error)
}

// WebsiteSummarizer turns a website into profile text.
type WebsiteSummarizer interface {
	Summarize(ctx context.Context, url string) (string, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	VerifyToken     string
	CORSOrigins     []string
	ChatRateLimit   string
	AdminToken      string
	TwilioAuthToken string
	PublicBaseURL   string
	OAuth           CalendarAuthorizer
	WhatsApp        WhatsAppConnector
	Summarizer      WebsiteSummarizer
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the token Meta must echo during webhook verification.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// WithCORSOrigins sets the origins allowed to call the web chat routes.
func WithCORSOrigins(origins []string) Option {
	return func(o *Opts) { o.CORSOrigins = origins }
}

// WithChatRateLimit sets the web chat rate limit, e.g. "30-M".
func WithChatRateLimit(rate string) Option {
	return func(o *Opts) { o.ChatRateLimit = rate }
}

// WithAdminToken protects the owner-facing routes with a bearer token.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithTwilioSignatureValidation enables X-Twilio-Signature checks.
// publicBaseURL is the externally visible scheme and host of this server.
func WithTwilioSignatureValidation(authToken, publicBaseURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.PublicBaseURL = strings.TrimRight(publicBaseURL, "/")
	}
}

// WithCalendarAuthorizer enables the Google OAuth routes.
func WithCalendarAuthorizer(a CalendarAuthorizer) Option {
	return func(o *Opts) { o.OAuth = a }
}

// WithWhatsAppConnector enables the embedded-signup route.
func WithWhatsAppConnector(c WhatsAppConnector) Option {
	return func(o *Opts) { o.WhatsApp = c }
}

// WithSummarizer enables the profile scrape route.
func WithSummarizer(s WebsiteSummarizer) Option {
	return func(o *Opts) { o.Summarizer = s }
}

// Server is the BizMitra HTTP API.
type Server struct {
	st              store.Store
	turns           TurnHandler
	profiles        ProfileService
	pipeline        *Pipeline
	opts            Opts
	twilioValidator *client.RequestValidator
	handler         http.Handler

	// baseCtx outlives requests; background webhook work runs under it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer builds the router and middleware chain.
func NewServer(st store.Store, pipeline *Pipeline, turns TurnHandler, profiles ProfileService, opts ...Option) (*Server, error) {
	cfg := Opts{Addr: DefaultAddr, VerifyToken: DefaultVerifyToken, ChatRateLimit: DefaultChatRateLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("api.NewServer: options set", "addr", cfg.Addr, "corsOrigins", cfg.CORSOrigins, "chatRateLimit", cfg.ChatRateLimit,
		"adminToken_set", cfg.AdminToken != "", "twilioValidation", cfg.TwilioAuthToken != "",
		"oauth_set", cfg.OAuth != nil, "whatsapp_set", cfg.WhatsApp != nil, "summarizer_set", cfg.Summarizer != nil)

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		st:       st,
		turns:    turns,
		profiles: profiles,
		pipeline: pipeline,
		opts:     cfg,
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
	if cfg.TwilioAuthToken != "" {
		v := client.NewRequestValidator(cfg.TwilioAuthToken)
		s.twilioValidator = &v
	}

	rate, err := limiter.NewRateFromFormatted(cfg.ChatRateLimit)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid chat rate limit %q: %w", cfg.ChatRateLimit, err)
	}
	chatLimiter := stdlib.NewMiddleware(limiter.New(memory.NewStore(), rate))
	chatCORS := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	chat := alice.New(chatCORS.Handler, chatLimiter.Handler)
	admin := alice.New(s.requireAdmin)

	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/webhook", s.verifyWebhookHandler).Methods(http.MethodGet)
	r.HandleFunc("/webhook", s.receiveWebhookHandler).Methods(http.MethodPost)
	r.HandleFunc("/twilio/webhook/{businessID}", s.twilioWebhookHandler).Methods(http.MethodPost)

	r.Handle("/chat", chat.ThenFunc(s.startChatHandler)).Methods(http.MethodPost, http.MethodOptions)
	r.Handle("/chat/{threadID}", chat.ThenFunc(s.continueChatHandler)).Methods(http.MethodPost, http.MethodOptions)

	r.Handle("/oauth/google/url", admin.ThenFunc(s.googleAuthURLHandler)).Methods(http.MethodGet)
	r.HandleFunc("/oauth/google/callback", s.googleCallbackHandler).Methods(http.MethodGet)

	r.Handle("/businesses", admin.ThenFunc(s.createBusinessHandler)).Methods(http.MethodPost)
	r.Handle("/businesses/{businessID}/whatsapp/connect", admin.ThenFunc(s.connectWhatsAppHandler)).Methods(http.MethodPost)
	r.Handle("/businesses/{businessID}/profile", admin.ThenFunc(s.getProfileHandler)).Methods(http.MethodGet)
	r.Handle("/businesses/{businessID}/profile", admin.ThenFunc(s.updateProfileHandler)).Methods(http.MethodPut)
	r.Handle("/businesses/{businessID}/profile/scrape", admin.ThenFunc(s.scrapeProfileHandler)).Methods(http.MethodPost)
	r.Handle("/businesses/{businessID}/threads", admin.ThenFunc(s.listThreadsHandler)).Methods(http.MethodGet)
	r.Handle("/businesses/{businessID}/bookings", admin.ThenFunc(s.listBookingsHandler)).Methods(http.MethodGet)
	r.Handle("/businesses/{businessID}/tasks", admin.ThenFunc(s.listTasksHandler)).Methods(http.MethodGet)
	r.Handle("/tasks/{taskID}", admin.ThenFunc(s.updateTaskHandler)).Methods(http.MethodPatch)

	s.handler = alice.New(recoverPanics, logRequests).Then(r)
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves HTTP until ctx is cancelled, then drains in-flight webhook work.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
	}
	s.Close()
	slog.Info("Server.Run: API server stopped")
	return nil
}

// Close cancels queued webhook work and waits for running work to finish.
func (s *Server) Close() {
	s.cancel()
	s.pipeline.Wait()
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
