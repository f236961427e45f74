package relay

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/jianjunlu/claude-relay-service/internal/account"
	"github.com/jianjunlu/claude-relay-service/internal/protocol"
)

// DefaultTimeout bounds one upstream exchange, including a full streamed
// response.
const DefaultTimeout = 600 * time.Second

const defaultUserAgent = "claude-relay/1.0"

// maxErrorBody caps how much of an upstream error body is buffered for
// passthrough.
const maxErrorBody = 64 * 1024

// Response is a fully buffered upstream reply.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Client issues chat-completions calls against upstream accounts. HTTP
// clients are cached per proxy URL so connections are reused.
type Client struct {
	timeout   time.Duration
	userAgent string

	mu      sync.Mutex
	clients map[string]*http.Client
}

func NewClient(timeout time.Duration, userAgent string) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		timeout:   timeout,
		userAgent: userAgent,
		clients:   make(map[string]*http.Client),
	}
}

// Complete issues a non-streaming request and buffers the whole reply.
// Transport failures come back as typed relay errors; HTTP status is left to
// the caller.
func (c *Client) Complete(ctx context.Context, creds account.Credentials, body []byte) (*Response, error) {
	resp, err := c.do(ctx, creds, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.WrapRelayError(protocol.ErrTransport, "reading upstream body", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       buf,
	}, nil
}

// OpenStream issues a streaming request and hands the raw response to the
// caller, who owns closing the body. Error statuses are returned as-is so
// the dispatch layer can read the error envelope before headers are sent
// downstream.
func (c *Client) OpenStream(ctx context.Context, creds account.Credentials, body []byte) (*http.Response, error) {
	return c.do(ctx, creds, body)
}

// ReadErrorBody drains a bounded prefix of an error response and closes it.
func ReadErrorBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		logrus.Debugf("reading upstream error body: %v", err)
	}
	return buf
}

func (c *Client) do(ctx context.Context, creds account.Credentials, body []byte) (*http.Response, error) {
	endpoint := strings.TrimSuffix(creds.Endpoint(), "/") + "/chat/completions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, protocol.WrapRelayError(protocol.ErrTransport, "building upstream request", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	req.Header.Set("Content-Type", "application/json")
	ua := creds.UserAgent
	if ua == "" {
		ua = c.userAgent
	}
	req.Header.Set("User-Agent", ua)

	resp, err := c.clientFor(creds.Proxy).Do(req)
	if err != nil {
		return nil, protocol.WrapRelayError(protocol.ErrTransport, "upstream request failed", err)
	}
	return resp, nil
}

// clientFor returns a cached HTTP client honoring the account's proxy.
func (c *Client) clientFor(proxyURL string) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[proxyURL]; ok {
		return client
	}
	client := newHTTPClient(proxyURL, c.timeout)
	c.clients[proxyURL] = client
	return client
}

// newHTTPClient builds an HTTP client with optional HTTP(S) or SOCKS5 proxy
// support. Invalid proxy URLs degrade to a direct client with a warning.
func newHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	if proxyURL == "" {
		return client
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		logrus.Errorf("failed to parse proxy URL %s: %v, using direct connection", proxyURL, err)
		return client
	}

	transport := &http.Transport{}
	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			logrus.Errorf("failed to create SOCKS5 dialer for %s: %v, using direct connection", proxyURL, err)
			return client
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	default:
		logrus.Errorf("unsupported proxy scheme %q, using direct connection", parsed.Scheme)
		return client
	}
	client.Transport = transport
	return client
}
