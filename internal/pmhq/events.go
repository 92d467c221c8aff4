package pmhq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nerrad567/llbot-cli/internal/qrcode"
	"github.com/nerrad567/llbot-cli/internal/watcher"
)

// Event stream message types.
const (
	typeLoginListener   = "nodeIKernelLoginListener"
	typeSessionListener = "nodeIQQNTWrapperSessionListener"
	typeAccountReady    = "account_ready"

	subQRCodePicture     = "onQRCodeGetPicture"
	subSessionInitialize = "onSessionInitComplete"
)

const ssePrefix = "data: "

// maxEventSize bounds a single event line; QR pictures arrive inline.
const maxEventSize = 4 << 20

type sseMessage struct {
	Type string `json:"type"`
	Data struct {
		SubType string `json:"sub_type"`
		Data    struct {
			QRCodeURL string `json:"qrcodeUrl"`
			PNGBase64 string `json:"pngBase64QrcodeData"`
		} `json:"data"`
	} `json:"data"`
}

// ParseEvent interprets one event stream line. It reports false for lines
// that carry nothing relevant to login.
func ParseEvent(line string) (watcher.Event, bool) {
	if !strings.HasPrefix(line, ssePrefix) {
		return watcher.Event{}, false
	}

	var msg sseMessage
	if err := json.Unmarshal([]byte(line[len(ssePrefix):]), &msg); err != nil {
		return watcher.Event{}, false
	}

	switch {
	case msg.Type == typeLoginListener && msg.Data.SubType == subQRCodePicture:
		url := msg.Data.Data.QRCodeURL
		if url == "" {
			return watcher.Event{}, false
		}
		ev := watcher.Event{Kind: watcher.KindQRCode, Stream: watcher.StreamAPI, Line: line, Payload: url}
		if msg.Data.Data.PNGBase64 != "" {
			if img, err := qrcode.DecodeBase64Image(msg.Data.Data.PNGBase64); err == nil {
				ev.Image = img
			}
		}
		return ev, true

	case msg.Type == typeSessionListener && msg.Data.SubType == subSessionInitialize,
		msg.Type == typeAccountReady:
		return watcher.Event{Kind: watcher.KindLoggedIn, Stream: watcher.StreamAPI, Line: line}, true
	}
	return watcher.Event{}, false
}

// Subscribe opens the event stream and calls fn for each login event until
// the stream ends, fn returns false, or ctx is cancelled. A connected stream
// is itself reported first as a ready event, since the API only answers once
// the backend is up.
func (c *Client) Subscribe(ctx context.Context, fn func(watcher.Event) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream is long-lived; only ctx bounds it.
	stream := &http.Client{Transport: c.httpClient.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("opening event stream: status %d", resp.StatusCode)
	}

	if !fn(watcher.Event{Kind: watcher.KindReady, Stream: watcher.StreamAPI, Port: c.port}) {
		return nil
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	for sc.Scan() {
		ev, ok := ParseEvent(sc.Text())
		if !ok {
			continue
		}
		if !fn(ev) {
			return nil
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return ctx.Err()
}
