// Package sms sends digest messages through a Twilio-compatible REST API.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"duedigest/internal/domain"
	logx "duedigest/pkg/logx"
)

const defaultBaseURL = "https://api.twilio.com"

// Provider error codes that will never succeed on retry.
var permanentCodes = map[int]bool{
	21211: true, // invalid To number
	21408: true, // region not enabled
	21610: true, // recipient unsubscribed
	21612: true, // unroutable
	21614: true, // not a mobile number
}

type Config struct {
	BaseURL        string
	AccountSID     string
	AuthToken      string
	From           string
	StatusCallback string
	Timeout        time.Duration

	// RatePerSec caps outbound message submissions. 0 means 1/s.
	RatePerSec float64
}

// Sender is the delivery boundary consumed by the firing pipeline.
type Sender interface {
	Send(ctx context.Context, to, body string) (providerID string, err error)
}

type Client struct {
	cfg  Config
	http *http.Client
	lim  *rate.Limiter
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		lim:  rate.NewLimiter(rate.Limit(rps), burst),
		log:  log,
	}
}

type messageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send submits body to the provider. It never truncates the body.
func (c *Client) Send(ctx context.Context, to, body string) (string, error) {
	if err := ValidateAddress(to); err != nil {
		return "", err
	}
	if err := c.lim.Wait(ctx); err != nil {
		return "", &domain.ProviderError{Message: "rate limiter: " + err.Error()}
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.From)
	form.Set("Body", body)
	if c.cfg.StatusCallback != "" {
		form.Set("StatusCallback", c.cfg.StatusCallback)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &domain.ProviderError{Message: err.Error(), Permanent: true}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &domain.ProviderError{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", &domain.ProviderError{Status: resp.StatusCode, Message: "read body: " + err.Error()}
	}
	var mr messageResponse
	decErr := json.Unmarshal(raw, &mr)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if decErr != nil || mr.SID == "" {
			return "", &domain.ProviderError{Status: resp.StatusCode, Message: "missing message sid"}
		}
		c.log.Debug("sms accepted", logx.String("sid", mr.SID), logx.String("status", mr.Status), logx.Int("segments", Segments(body)))
		return mr.SID, nil
	}

	pe := &domain.ProviderError{Status: resp.StatusCode, Code: mr.Code, Message: mr.Message}
	if pe.Message == "" {
		pe.Message = http.StatusText(resp.StatusCode)
	}
	pe.Permanent = classifyPermanent(resp.StatusCode, mr.Code)
	return "", pe
}

func classifyPermanent(status, code int) bool {
	if permanentCodes[code] {
		return true
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return false
	}
	return status >= 400
}

// LogSender logs messages instead of sending them. Used when no provider
// credentials are configured.
type LogSender struct {
	Log logx.Logger
	seq atomic.Uint64
}

func (s *LogSender) Send(ctx context.Context, to, body string) (string, error) {
	if err := ValidateAddress(to); err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", &domain.ProviderError{Message: ctx.Err().Error()}
	}
	id := fmt.Sprintf("dry-%d-%d", time.Now().UnixNano(), s.seq.Add(1))
	s.Log.Info("sms dry-run", logx.String("to", to), logx.String("id", id), logx.Int("segments", Segments(body)), logx.Int("chars", len([]rune(body))))
	return id, nil
}

// IsPermanent reports whether err is a provider or address error that retrying
// cannot fix.
func IsPermanent(err error) bool {
	var ia *domain.InvalidAddressError
	if errors.As(err, &ia) {
		return true
	}
	var pe *domain.ProviderError
	return errors.As(err, &pe) && pe.Permanent
}
