package pmhq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// defaultCallTimeout bounds a single API call.
const defaultCallTimeout = 10 * time.Second

// API function names.
const (
	funcSelfInfo      = "getSelfInfo"
	funcQRCodePicture = "loginService.getQRCodePicture"
)

// SelfInfo identifies the logged-in account.
type SelfInfo struct {
	UIN      string `json:"uin"`
	Nickname string `json:"nickname"`
}

// Client talks to the backend's local HTTP API.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	port       int
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for the backend listening on 127.0.0.1:port.
func NewClient(port int) *Client {
	return &Client{
		port:       port,
		baseURL:    "http://127.0.0.1:" + strconv.Itoa(port),
		httpClient: &http.Client{Timeout: defaultCallTimeout},
	}
}

type callRequest struct {
	Type string   `json:"type"`
	Data callData `json:"data"`
}

type callData struct {
	Func string `json:"func"`
	Args []any  `json:"args"`
}

type callResponse struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Call invokes fn with no arguments and returns its raw result.
func (c *Client) Call(ctx context.Context, fn string) (json.RawMessage, error) {
	body, err := json.Marshal(callRequest{Type: "call", Data: callData{Func: fn, Args: []any{}}})
	if err != nil {
		return nil, fmt.Errorf("encoding %s call: %w", fn, err)
	}

	raw, err := c.post(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCallFailed, fn, err)
	}

	var resp callResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %s: decoding response: %w", ErrBadResponse, fn, err)
	}
	if resp.Type != "call" {
		return nil, fmt.Errorf("%w: %s: response type %q", ErrBadResponse, fn, resp.Type)
	}

	// Some builds wrap the payload in a JSON string.
	inner := resp.Data
	var wrapped string
	if err := json.Unmarshal(inner, &wrapped); err == nil {
		inner = json.RawMessage(wrapped)
	}

	var payload struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(inner, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s: decoding data: %w", ErrBadResponse, fn, err)
	}
	if len(payload.Result) == 0 {
		return nil, fmt.Errorf("%w: %s: missing result", ErrBadResponse, fn)
	}

	var msg string
	if err := json.Unmarshal(payload.Result, &msg); err == nil && strings.Contains(msg, "Error") {
		return nil, fmt.Errorf("%w: %s: %s", ErrCallFailed, fn, msg)
	}
	return payload.Result, nil
}

// SelfInfo returns the logged-in account.
func (c *Client) SelfInfo(ctx context.Context) (SelfInfo, error) {
	result, err := c.Call(ctx, funcSelfInfo)
	if err != nil {
		return SelfInfo{}, err
	}

	var fields struct {
		UIN       json.RawMessage `json:"uin"`
		NickName  string          `json:"nickName"`
		Nickname2 string          `json:"nickname"`
	}
	if err := json.Unmarshal(result, &fields); err != nil {
		return SelfInfo{}, fmt.Errorf("%w: %s: %w", ErrBadResponse, funcSelfInfo, err)
	}

	info := SelfInfo{UIN: rawScalar(fields.UIN), Nickname: fields.NickName}
	if info.Nickname == "" {
		info.Nickname = fields.Nickname2
	}
	if info.UIN == "" {
		return SelfInfo{}, ErrNotLoggedIn
	}
	return info, nil
}

// RequestQRCode asks the backend to publish a fresh login QR code on the
// event stream.
func (c *Client) RequestQRCode(ctx context.Context) error {
	body, err := json.Marshal(callRequest{Type: "call", Data: callData{Func: funcQRCodePicture, Args: []any{}}})
	if err != nil {
		return err
	}
	if _, err := c.post(ctx, body); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCallFailed, funcQRCodePicture, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return data, nil
}

// rawScalar renders a JSON string or number as plain text.
func rawScalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
