// Package source fetches due items from a Canvas-style learning platform API.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"duedigest/internal/domain"
	logx "duedigest/pkg/logx"
)

type Config struct {
	Timeout time.Duration
	// RatePerSec is the per-domain request budget. 0 means 5/s.
	RatePerSec float64
	// MaxPages bounds pagination. 0 means 10.
	MaxPages  int
	UserAgent string
}

// Credentials hands out the bearer token for a subject. Tokens are requested
// per call and never cached by the client.
type Credentials interface {
	Token(ctx context.Context, s domain.Subject) (string, error)
}

type Client struct {
	cfg   Config
	http  *http.Client
	creds Credentials
	log   logx.Logger

	mu   sync.Mutex
	lims map[string]*rate.Limiter
}

func New(cfg Config, creds Credentials, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "duedigest/1"
	}
	return &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		creds: creds,
		log:   log,
		lims:  map[string]*rate.Limiter{},
	}
}

type todoItem struct {
	Type       string `json:"type"`
	CourseID   flexID `json:"course_id"`
	Assignment *struct {
		Name  string     `json:"name"`
		DueAt *time.Time `json:"due_at"`
	} `json:"assignment"`
}

type course struct {
	ID   flexID `json:"id"`
	Name string `json:"name"`
}

// Fetch returns the subject's due items sorted ascending by due instant, ties
// broken by title. Items without a due instant are dropped.
func (c *Client) Fetch(ctx context.Context, s domain.Subject) ([]domain.DueItem, error) {
	var raw []todoItem
	if err := c.getAll(ctx, s, "/api/v1/users/self/todo?per_page=100", func(b []byte) error {
		var page []todoItem
		if err := json.Unmarshal(b, &page); err != nil {
			return err
		}
		raw = append(raw, page...)
		return nil
	}); err != nil {
		return nil, err
	}

	items := make([]domain.DueItem, 0, len(raw))
	for _, r := range raw {
		if r.Assignment == nil || r.Assignment.DueAt == nil || r.Assignment.DueAt.IsZero() {
			continue
		}
		items = append(items, domain.DueItem{
			Type:    r.Type,
			Title:   r.Assignment.Name,
			DueAt:   *r.Assignment.DueAt,
			GroupID: string(r.CourseID),
		})
	}
	SortItems(items)
	c.log.Debug("source fetched", logx.String("subject", s.ID), logx.Int("raw", len(raw)), logx.Int("items", len(items)))
	return items, nil
}

// SortItems orders by due instant, then title. Equal keys keep input order.
func SortItems(items []domain.DueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].DueAt.Equal(items[j].DueAt) {
			return items[i].DueAt.Before(items[j].DueAt)
		}
		return items[i].Title < items[j].Title
	})
}

// ListGroups returns group id to display name for the subject.
func (c *Client) ListGroups(ctx context.Context, s domain.Subject) (map[string]string, error) {
	out := map[string]string{}
	err := c.getAll(ctx, s, "/api/v1/courses?per_page=100", func(b []byte) error {
		var page []course
		if err := json.Unmarshal(b, &page); err != nil {
			return err
		}
		for _, cr := range page {
			if cr.ID != "" && strings.TrimSpace(cr.Name) != "" {
				out[string(cr.ID)] = cr.Name
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getAll(ctx context.Context, s domain.Subject, path string, onPage func([]byte) error) error {
	token, err := c.creds.Token(ctx, s)
	if err != nil {
		return err
	}
	next := baseURL(s.Domain) + path
	for page := 0; next != "" && page < c.cfg.MaxPages; page++ {
		b, link, err := c.get(ctx, s.Domain, next, token)
		if err != nil {
			return err
		}
		if err := onPage(b); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		next = nextLink(link)
	}
	return nil
}

func (c *Client) get(ctx context.Context, host, u, token string) ([]byte, string, error) {
	if err := c.limiter(host).Wait(ctx); err != nil {
		return nil, "", &domain.NetworkError{Op: "source wait", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", &domain.NetworkError{Op: "source get", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, "", &domain.AuthError{Domain: host, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", &domain.RateLimitError{Op: "source get", RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return nil, "", &domain.NetworkError{Op: "source get", Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return nil, "", fmt.Errorf("source get %s: unexpected status %d", host, resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, "", &domain.NetworkError{Op: "source read", Err: err}
	}
	return b, resp.Header.Get("Link"), nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lims[host]
	if l == nil {
		burst := int(c.cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(c.cfg.RatePerSec), burst)
		c.lims[host] = l
	}
	return l
}

func baseURL(domainOrURL string) string {
	d := strings.TrimRight(strings.TrimSpace(domainOrURL), "/")
	if strings.Contains(d, "://") {
		return d
	}
	return "https://" + d
}

// nextLink extracts the rel="next" target from an RFC 8288 Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		target := strings.TrimSpace(segs[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, p := range segs[1:] {
			p = strings.ReplaceAll(strings.TrimSpace(p), " ", "")
			if p == `rel="next"` || p == "rel=next" {
				return target[1 : len(target)-1]
			}
		}
	}
	return ""
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// flexID accepts both JSON numbers and strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("id: expected string or number")
	}
	*f = flexID(n.String())
	return nil
}
