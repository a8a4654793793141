package connection

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/yndnr/snapkeep-go/internal/infra/buildinfo"
)

// Header names shared with the server.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderLeader    = "X-Leader-Addr"
)

// unixHost stands in for the host of unix:// servers.
const unixHost = "unix"

// notLeaderCode is returned by followers for leader-only requests.
const notLeaderCode = "SK-CLUS-5031"

// Client talks to one SnapKeep server.
type Client struct {
	baseURL      string
	client       *http.Client
	transport    *http.Transport
	followLeader bool
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.client.Timeout = d }
}

// WithoutLeaderRedirect disables retrying writes against the leader.
func WithoutLeaderRedirect() Option {
	return func(c *Client) { c.followLeader = false }
}

// WithTLSConfig sets the TLS configuration for https servers.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.transport.TLSClientConfig = cfg }
}

// NewClient creates a client for server, with or without a scheme. A
// unix:///path server is reached over the local admin socket at path;
// leader redirects still go over TCP.
func NewClient(server string, opts ...Option) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	c := &Client{
		client:       &http.Client{Timeout: 30 * time.Second, Transport: transport},
		transport:    transport,
		followLeader: true,
	}
	if path, ok := strings.CutPrefix(server, "unix://"); ok {
		c.baseURL = "http://" + unixHost
		dial := transport.DialContext
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if addr == unixHost+":80" {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			}
			return dial(ctx, network, addr)
		}
	} else {
		c.baseURL = normalizeURL(server)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func normalizeURL(server string) string {
	server = strings.TrimRight(server, "/")
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "http://" + server
	}
	return server
}

// BaseURL returns the base URL of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get performs a GET request and decodes the envelope data into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post performs a POST request with a JSON body and decodes the envelope
// data into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}

	err := c.send(ctx, c.baseURL, method, path, raw, out)
	var apiErr *APIError
	if c.followLeader && method == http.MethodPost && errors.As(err, &apiErr) &&
		apiErr.Code == notLeaderCode && apiErr.LeaderAddr != "" {
		return c.send(ctx, normalizeURL(apiErr.LeaderAddr), method, path, raw, out)
	}
	return err
}

func (c *Client) send(ctx context.Context, base, method, path string, raw []byte, out any) error {
	var body io.Reader
	if raw != nil {
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "snapkeep-cli/"+buildinfo.Version)
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	return parseResponse(resp, out)
}

// envelope mirrors the server response envelope.
type envelope struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Details   any             `json:"details"`
}

func parseResponse(resp *http.Response, out any) error {
	var env envelope
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&env)

	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			Status:     resp.StatusCode,
			Code:       resp.Header.Get("X-Error-Code"),
			RequestID:  resp.Header.Get(HeaderRequestID),
			LeaderAddr: resp.Header.Get(HeaderLeader),
		}
		if decodeErr == nil {
			apiErr.Code = env.Code
			apiErr.Message = env.Message
			apiErr.RequestID = env.RequestID
			if d, ok := env.Details.(string); ok {
				apiErr.Details = d
			} else if env.Details != nil {
				apiErr.Details = fmt.Sprint(env.Details)
			}
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("parse response: %w", decodeErr)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("parse response data: %w", err)
		}
	}
	return nil
}
