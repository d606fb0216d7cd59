// Package httpclient implements the synchronous bearer-token HTTP client of
// spec §4.6: token login, automatic re-auth and single retry on 401,
// candidate login-path probing, and response normalization.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// defaultLoginPaths is the candidate list probed against BaseURL when the
// configured LoginURL itself fails (§4.6). Off by default; see
// SPEC_FULL.md §9 and DESIGN.md's Open Question decision.
var defaultLoginPaths = []string{
	"/login", "/v1/login", "/api/login", "/api/v1/login", "/auth/login", "/v1/auth/login",
}

// Config configures one Client instance; cmd/dispatcher fills it from the
// API_* settings in config.Config.
type Config struct {
	LoginURL       string
	BaseURL        string
	User           string
	Password       string
	Timeout        time.Duration
	ProbeLoginPath bool     // API_LOGIN_PROBE_PATHS opt-in (§9)
	ProbePaths     []string // overrides defaultLoginPaths when set
}

// Response is the normalized result of a POST, tolerant of non-JSON bodies.
type Response struct {
	StatusCode int
	JSON       map[string]any // nil if body is not a JSON object
	RawText    string
}

// Client is a single bearer-token-authenticated HTTP client. The token is
// guarded by mu; rotation on 401 is serialized (§5: "Shared mutable
// state... token rotation... serialized").
type Client struct {
	cfg Config
	hc  *http.Client

	mu    sync.Mutex
	token string
}

// New constructs a Client bound to cfg.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, hc: &http.Client{Timeout: timeout}}
}

// Post sends body as a JSON object to path (resolved against BaseURL) with
// the current bearer token, re-authenticating and retrying exactly once on
// a 401 (§4.6).
func (c *Client) Post(ctx context.Context, path string, body map[string]any) (*Response, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	resp, err := c.doPost(ctx, path, body, c.currentToken())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	log.Printf("httpclient: got 401, re-authenticating and retrying once")
	if err := c.login(ctx); err != nil {
		return nil, fmt.Errorf("httpclient: re-login after 401: %w", err)
	}
	return c.doPost(ctx, path, body, c.currentToken())
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// ensureToken logs in if no token is held yet, or if the held token's
// `exp` claim (parsed unverified — the target API is the signer of record,
// this client only reads the claim) is within one minute of expiry.
func (c *Client) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token == "" {
		return c.login(ctx)
	}
	if expiringSoon(token) {
		return c.login(ctx)
	}
	return nil
}

func expiringSoon(token string) bool {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false // opaque (non-JWT) token; rely on the 401 retry path instead
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < time.Minute
}

func (c *Client) login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	candidates := c.loginCandidates()
	if len(candidates) == 0 {
		return fmt.Errorf("httpclient: no login URL configured")
	}

	body := map[string]any{"user": c.cfg.User, "pass": c.cfg.Password}
	var errs []string
	for _, candidate := range candidates {
		resp, err := c.rawPost(ctx, candidate, body, "")
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s -> %v", candidate, err))
			continue
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
			errs = append(errs, fmt.Sprintf("%s -> HTTP %d", candidate, resp.StatusCode))
			continue
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			errs = append(errs, fmt.Sprintf("%s -> HTTP %d (credentials rejected)", candidate, resp.StatusCode))
			continue
		}
		if resp.StatusCode >= 400 {
			errs = append(errs, fmt.Sprintf("%s -> HTTP %d", candidate, resp.StatusCode))
			continue
		}
		token := extractToken(resp.JSON)
		if token == "" {
			errs = append(errs, fmt.Sprintf("%s -> response had no token", candidate))
			continue
		}
		c.token = token
		return nil
	}
	return fmt.Errorf("httpclient: unable to authenticate, attempts: %s", strings.Join(errs, " | "))
}

// loginCandidates builds the probe list: the configured LoginURL first,
// then (only when ProbeLoginPath is set) each configured/default path
// against BaseURL.
func (c *Client) loginCandidates() []string {
	var out []string
	seen := map[string]bool{}
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" {
			return
		}
		key := strings.ToLower(u)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, u)
	}

	add(c.cfg.LoginURL)
	if !c.cfg.ProbeLoginPath {
		return out
	}

	paths := c.cfg.ProbePaths
	if len(paths) == 0 {
		paths = defaultLoginPaths
	}
	base := c.cfg.BaseURL
	if base == "" {
		return out
	}
	for _, p := range paths {
		if u := withPath(base, p); u != "" {
			add(u)
		}
	}
	return out
}

func withPath(rawURL, path string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	u.Path = "/" + strings.TrimPrefix(path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func extractToken(data map[string]any) string {
	for _, key := range []string{"token", "access_token", "jwt", "id_token"} {
		if v, ok := data[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (c *Client) doPost(ctx context.Context, path string, body map[string]any, token string) (*Response, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	return c.rawPost(ctx, target, body, token)
}

func (c *Client) rawPost(ctx context.Context, target string, body map[string]any, token string) (*Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpclient: post %s: %w", target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read response: %w", err)
	}

	out := &Response{StatusCode: resp.StatusCode, RawText: string(raw)}
	var asObject map[string]any
	if json.Unmarshal(raw, &asObject) == nil {
		out.JSON = asObject
	}
	return out, nil
}
