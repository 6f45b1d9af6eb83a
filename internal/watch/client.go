package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/SuperSonnix71/Xnake/internal/events"
	"github.com/SuperSonnix71/Xnake/internal/store"
)

// Reconnect backoff bounds for the event stream.
const (
	backoffMin = time.Second
	backoffMax = 30 * time.Second
)

// Status mirrors the server's /api/ml/status document.
type Status struct {
	ModelLoaded    bool    `json:"modelLoaded"`
	ActiveVersion  string  `json:"activeVersion"`
	F1             float64 `json:"f1"`
	Accuracy       float64 `json:"accuracy"`
	SampleCount    int64   `json:"sampleCount"`
	EdgeCaseCount  int64   `json:"edgeCaseCount"`
	TrainingActive bool    `json:"trainingActive"`
	LastCompleted  string  `json:"lastCompleted"`
}

// StreamMsg is one update from the event stream: either a pipeline event or
// a connection state change.
type StreamMsg struct {
	Event     events.Event
	HasEvent  bool
	Connected bool
	Err       error
}

// Client talks to a running server's API for the dashboard.
type Client struct {
	logger *log.Logger
	base   string
	http   *http.Client
}

// NewClient builds a dashboard client for a base URL like
// "http://127.0.0.1:8080".
func NewClient(logger *log.Logger, base string) *Client {
	return &Client{
		logger: logger.WithPrefix("watch"),
		base:   strings.TrimSuffix(base, "/"),
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches the current ML pipeline status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var s Status
	return s, c.getJSON(ctx, "/api/ml/status", &s)
}

// HallOfShame fetches the flagged-player board.
func (c *Client) HallOfShame(ctx context.Context) ([]store.CheaterEntry, error) {
	var entries []store.CheaterEntry
	return entries, c.getJSON(ctx, "/api/hallofshame", &entries)
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("watch: %s returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// eventURL rewrites the HTTP base into the websocket endpoint.
func (c *Client) eventURL() string {
	base := c.base
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ml/events"
}

// Stream feeds pipeline events into ch until the context is canceled,
// reconnecting with exponential backoff when the server goes away.
func (c *Client) Stream(ctx context.Context, ch chan<- StreamMsg) {
	defer close(ch)
	backoff := backoffMin

	for ctx.Err() == nil {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.eventURL(), nil)
		if resp != nil {
			resp.Body.Close()
		}
		if err != nil {
			c.send(ctx, ch, StreamMsg{Connected: false, Err: err})
			if !c.sleep(ctx, backoff) {
				return
			}
			if backoff *= 2; backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}

		backoff = backoffMin
		c.send(ctx, ch, StreamMsg{Connected: true})
		c.readEvents(ctx, conn, ch)
		conn.Close()
	}
}

// readEvents forwards events from one connection until it breaks.
func (c *Client) readEvents(ctx context.Context, conn *websocket.Conn, ch chan<- StreamMsg) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			c.logger.Debug("event stream closed", "err", err)
			c.send(ctx, ch, StreamMsg{Connected: false, Err: err})
			return
		}
		c.send(ctx, ch, StreamMsg{Event: ev, HasEvent: true, Connected: true})
	}
}

func (c *Client) send(ctx context.Context, ch chan<- StreamMsg, msg StreamMsg) {
	select {
	case ch <- msg:
	case <-ctx.Done():
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
