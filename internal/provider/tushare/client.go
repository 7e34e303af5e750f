package tushare

import (
	"errors"
	"net/http"
)

// DefaultBaseURL is the Tushare Pro HTTP gateway.
const DefaultBaseURL = "http://api.tushare.pro"

// ErrNoToken is returned by Query when the client was built without a token.
var ErrNoToken = errors.New("tushare: token not configured")

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=tushare_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a client for the Tushare Pro API. Every endpoint is one POST of
// {api_name, token, params, fields}.
type Client struct {
	// baseURL is the gateway URL.
	baseURL string
	// token authenticates every call.
	token string
	// httpClient is the HTTP client.
	httpClient HTTPClient
	// header contains additional headers to be sent with each request.
	header http.Header
}

// Option is a configuration option for the Tushare client.
type Option func(*Client)

// WithBaseURL sets the gateway URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(httpClient HTTPClient) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithHeader adds headers to be sent with each request.
func WithHeader(header http.Header) Option {
	return func(c *Client) {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

// NewClient creates a Tushare client. An empty token is allowed; calls then
// fail with ErrNoToken.
func NewClient(token string, options ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		token:      token,
		httpClient: http.DefaultClient,
		header:     http.Header{},
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// HasToken reports whether calls can be authenticated at all.
func (c *Client) HasToken() bool { return c.token != "" }
