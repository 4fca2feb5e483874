// Package website turns a business's public website into profile text.
//
// The Scraper fetches a page and extracts its visible text with goquery.
// The Summarizer asks the summary model to rewrite that text as an
// "About us / Services" section for the assistant.
package website

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

const (
	// DefaultUserAgent is sent with every scrape request.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	// DefaultTimeout bounds one page fetch.
	DefaultTimeout = 10 * time.Second
	// MaxTextLength caps the text handed to the summary model.
	MaxTextLength = 20000
)

// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("invalid website url")

// nonContent lists elements whose text is never part of the page content.
const nonContent = "script, style, nav, footer, header, iframe, noscript"

var whitespace = regexp.MustCompile(`\s+`)

// Opts configures a Scraper.
type Opts struct {
	Timeout   time.Duration
	UserAgent string
}

// Option defines a configuration option for the Scraper.
type Option func(*Opts)

// WithTimeout sets the fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) Option {
	return func(o *Opts) { o.UserAgent = ua }
}

// Scraper fetches web pages and extracts their visible text.
type Scraper struct {
	http *resty.Client
}

// NewScraper creates a Scraper.
func NewScraper(opts ...Option) *Scraper {
	cfg := Opts{Timeout: DefaultTimeout, UserAgent: DefaultUserAgent}
	for _, opt := range opts {
		opt(&cfg)
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	return &Scraper{http: client}
}

// ValidateURL checks that raw is an absolute http or https URL.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

// Text fetches pageURL and returns its body text with whitespace collapsed.
func (s *Scraper) Text(ctx context.Context, pageURL string) (string, error) {
	if err := ValidateURL(pageURL); err != nil {
		return "", err
	}
	resp, err := s.http.R().SetContext(ctx).Get(pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("failed to fetch %s: status %d", pageURL, resp.StatusCode())
	}
	text, err := ExtractText(resp.Body())
	if err != nil {
		return "", fmt.Errorf("failed to parse %s: %w", pageURL, err)
	}
	slog.Debug("website.Scraper.Text: page scraped", "url", pageURL, "textLength", len(text))
	return text, nil
}

// ExtractText returns the visible body text of an HTML document.
func ExtractText(html []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find(nonContent).Remove()
	text := whitespace.ReplaceAllString(doc.Find("body").Text(), " ")
	return strings.TrimSpace(text), nil
}

// Completer runs a single system + user prompt completion.
type Completer interface {
	GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// summaryInstructions asks the model for a profile section built from website text.
const summaryInstructions = `You are an expert at extracting business information from website text to create a detailed 'About Us/Services' section for an AI chatbot which uses this information to speak to the business's customers.
Extract the following business details from the website text provided and create the About us and Services section. Keep it concise and informative but effective:
1. About the business
2. Services offered (with brief descriptions and prices if available)
3. Any FAQs or important notes for customers and the way the business operates
4. Any processes, anything that stands out about how the business operates, any questions that might come from visitors or leads
5. Any other information that makes it easier for the chatbot to interact with visitors and convert them from leads to booked appointments or sales`

// Summarizer scrapes a website and summarizes it into profile text.
type Summarizer struct {
	scraper *Scraper
	model   Completer
}

// NewSummarizer creates a Summarizer using the given scraper and summary model.
func NewSummarizer(scraper *Scraper, model Completer) *Summarizer {
	return &Summarizer{scraper: scraper, model: model}
}

// Summarize scrapes pageURL and returns the model's About/Services text.
func (s *Summarizer) Summarize(ctx context.Context, pageURL string) (string, error) {
	text, err := s.scraper.Text(ctx, pageURL)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("no text found on %s", pageURL)
	}
	if len(text) > MaxTextLength {
		text = truncate(text, MaxTextLength)
	}
	summary, err := s.model.GeneratePromptWithContext(ctx, summaryInstructions, text)
	if err != nil {
		return "", fmt.Errorf("failed to summarize %s: %w", pageURL, err)
	}
	slog.Info("website.Summarizer.Summarize: website summarized", "url", pageURL, "summaryLength", len(summary))
	return strings.TrimSpace(summary), nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8Start(s[n]) {
		n--
	}
	return s[:n]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
