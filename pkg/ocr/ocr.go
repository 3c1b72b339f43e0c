// Package ocr forwards confirmed frames to a Thai ID card OCR endpoint.
//
// The endpoint takes the image as a data URI and answers with the fields it
// could read. Any field may be missing.
package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/go-snapcam/internal/httpc"
	"github.com/teslashibe/go-snapcam/pkg/frame"
)

// DefaultURL is the hosted Thai ID endpoint.
const DefaultURL = "https://tesseract-ocr-tan.vercel.app/api/ocr/thai-id"

// APIKeyHeader carries the API key on every request.
const APIKeyHeader = "x-api-key"

// Sentinel errors.
var (
	// ErrDisabled is returned when the client has no endpoint configured.
	ErrDisabled = errors.New("ocr: disabled")

	// ErrNoFrame is returned for a nil frame.
	ErrNoFrame = errors.New("ocr: no frame")
)

// APIError is a non-2xx answer from the endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("ocr: API error %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports a rejected API key.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Request is the body sent to the endpoint. Only the image is required;
// the tuning fields are passed through to tesseract.
type Request struct {
	Base64ImageStr string `json:"base64ImageStr"`
	Lang           string `json:"lang,omitempty"`
	OEM            *int   `json:"oem,omitempty"`
	PSM            *int   `json:"psm,omitempty"`
	DPI            string `json:"dpi,omitempty"`
}

// ThaiIDResult holds the fields read from a Thai national ID card. Nil
// means the field could not be read.
type ThaiIDResult struct {
	IDCardNo     *string `json:"idCardNo"`
	PrefixTh     *string `json:"prefixTh"`
	NameTh       *string `json:"nameTh"`
	LastNameTh   *string `json:"lastNameTh"`
	PrefixEn     *string `json:"prefixEn"`
	NameEn       *string `json:"nameEn"`
	LastNameEn   *string `json:"lastNameEn"`
	DOB          *string `json:"dob"`
	DateOfExpiry *string `json:"dateOfExpiry"`
}

// Empty reports whether no field was read.
func (r *ThaiIDResult) Empty() bool {
	for _, f := range []*string{r.IDCardNo, r.PrefixTh, r.NameTh, r.LastNameTh,
		r.PrefixEn, r.NameEn, r.LastNameEn, r.DOB, r.DateOfExpiry} {
		if f != nil && *f != "" {
			return false
		}
	}
	return true
}

// Config holds client settings.
type Config struct {
	URL     string
	APIKey  string
	Lang    string
	OEM     *int
	PSM     *int
	DPI     string
	Timeout time.Duration
	HTTP    *http.Client
	Logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Config)

// WithURL sets the endpoint. An empty URL disables the client.
func WithURL(url string) Option {
	return func(c *Config) { c.URL = url }
}

// WithAPIKey sets the value sent in the x-api-key header.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithLang sets the tesseract language list, e.g. "tha+eng".
func WithLang(lang string) Option {
	return func(c *Config) { c.Lang = lang }
}

// WithEngineMode sets tesseract's OEM and PSM.
func WithEngineMode(oem, psm int) Option {
	return func(c *Config) {
		c.OEM = &oem
		c.PSM = &psm
	}
}

// WithDPI sets the resolution hint.
func WithDPI(dpi string) Option {
	return func(c *Config) { c.DPI = dpi }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithHTTPClient replaces the shared HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Config) { c.HTTP = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// Client talks to the OCR endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a client. Without a URL it is disabled and every call
// returns ErrDisabled.
func NewClient(opts ...Option) *Client {
	cfg := Config{Timeout: 20 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTP == nil {
		cfg.HTTP = httpc.Client
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	return &Client{
		cfg:    cfg,
		http:   cfg.HTTP,
		logger: cfg.Logger.With("component", "ocr"),
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.URL != ""
}

// ExtractThaiID sends f to the endpoint and decodes the fields it read.
func (c *Client) ExtractThaiID(ctx context.Context, f *frame.Frame) (*ThaiIDResult, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	if f == nil {
		return nil, ErrNoFrame
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	req, err := httpc.NewJSONRequest(ctx, http.MethodPost, c.cfg.URL, Request{
		Base64ImageStr: f.DataURI(),
		Lang:           c.cfg.Lang,
		OEM:            c.cfg.OEM,
		PSM:            c.cfg.PSM,
		DPI:            c.cfg.DPI,
	})
	if err != nil {
		return nil, fmt.Errorf("ocr: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set(APIKeyHeader, c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseError(resp)
	}

	var result ThaiIDResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ocr: decode response: %w", err)
	}

	c.logger.Debug("thai id extracted",
		"frame", f.ID,
		"bytes", f.Size(),
		"empty", result.Empty(),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return &result, nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	message := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &errResp) == nil {
		if errResp.Message != "" {
			message = errResp.Message
		} else if errResp.Error != "" {
			message = errResp.Error
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message}
}
