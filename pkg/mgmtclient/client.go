// Package mgmtclient calls the management protocol of a running shell,
// either with the deployment key in the path or through the encrypted
// envelope.
package mgmtclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirosfoundation/go-appshell/pkg/envelope"
	"github.com/sirosfoundation/go-appshell/pkg/middleware"
)

// Error is a non-2xx management answer
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("management error (%d): %s", e.Code, e.Message)
}

// Client calls one shell
type Client struct {
	baseURL    string
	key        string
	codec      *envelope.Codec
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client. With encrypted set every call is sealed.
func New(baseURL, key string, encrypted bool, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		key:        key,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	if encrypted {
		codec, err := envelope.New(key)
		if err != nil {
			return nil, err
		}
		c.codec = codec
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Call runs a command and returns the JSON answer. data may be nil.
func (c *Client) Call(ctx context.Context, cmd []string, data any) ([]byte, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	var req *http.Request
	if c.codec != nil {
		req, err = c.sealedRequest(ctx, cmd, payload)
	} else {
		req, err = c.plainRequest(ctx, cmd, payload)
	}
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	body, err = c.decode(resp, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, &Error{Code: resp.StatusCode, Message: string(body)}
	}
	return body, nil
}

func (c *Client) plainRequest(ctx context.Context, cmd []string, payload []byte) (*http.Request, error) {
	zipped, err := envelope.Gzip(payload)
	if err != nil {
		return nil, err
	}
	url := c.baseURL + middleware.MgmtPrefix + c.key + "/" + strings.Join(cmd, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(zipped))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip")
	return req, nil
}

func (c *Client) sealedRequest(ctx context.Context, cmd []string, payload []byte) (*http.Request, error) {
	plain, err := json.Marshal(envelope.Command{
		Op:   envelope.OpShellMgmtCommand,
		Cmd:  cmd,
		Data: payload,
	})
	if err != nil {
		return nil, err
	}
	iv, sealed, err := c.codec.Seal(plain)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+middleware.MgmtPrefix+"encrypted", bytes.NewReader(sealed))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(envelope.HeaderIV, iv)
	return req, nil
}

// decode undoes the response content encoding
func (c *Client) decode(resp *http.Response, body []byte) ([]byte, error) {
	switch resp.Header.Get("Content-Encoding") {
	case envelope.ContentEncoding:
		if c.codec == nil {
			return nil, fmt.Errorf("received an encrypted response without a key")
		}
		plain, err := c.codec.Open(resp.Header.Get(envelope.HeaderIV), body)
		if err != nil {
			return nil, fmt.Errorf("failed to open response: %w", err)
		}
		return plain, nil
	case "gzip":
		return envelope.Gunzip(bytes.NewReader(body))
	default:
		return body, nil
	}
}
