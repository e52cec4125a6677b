package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"roomwatch/pkg/logx"
)

const defaultFetchTimeout = 10 * time.Second

// ClientConfig configures the status source client.
type ClientConfig struct {
	// BaseURL is the per-room endpoint root; the room name is appended as
	// one path segment.
	BaseURL string
	Timeout time.Duration
}

// Client fetches the current state of one room from the remote status API.
//
// It never returns an error across its boundary: every failure mode
// collapses to StateUnknown so the caller's transition logic can uniformly
// skip ambiguous reads. The shared Gate paces all calls.
type Client struct {
	http *http.Client
	base string
	gate *Gate
	log  logx.Logger
}

// roomPayload is the upstream JSON body. Anything other than an explicit
// "offline" in room_status counts as online (the upstream distinguishes
// public/private/away states, all of which mean the room is up).
type roomPayload struct {
	RoomStatus string `json:"room_status"`
}

func NewClient(cfg ClientConfig, gate *Gate, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		base: strings.TrimRight(cfg.BaseURL, "/"),
		gate: gate,
		log:  log,
	}
}

// Fetch returns the room's current state.
//
// Mapping: 404 means the room does not exist upstream and reads as
// offline; 429 registers a gate failure and reads as unknown; any other
// non-2xx status, transport error, or parse error reads as unknown.
func (c *Client) Fetch(ctx context.Context, room string) State {
	if err := c.gate.Wait(ctx); err != nil {
		return StateUnknown
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/"+url.PathEscape(room), nil)
	if err != nil {
		c.gate.Failure()
		c.log.Warn("status request build failed", logx.String("room", room), logx.Err(err))
		return StateUnknown
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.gate.Failure()
		c.log.Warn("status fetch failed", logx.String("room", room), logx.Err(err))
		return StateUnknown
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.gate.Success()
		return StateOffline

	case resp.StatusCode == http.StatusTooManyRequests:
		c.gate.Failure()
		c.log.Warn("status source rate limited", logx.String("room", room), logx.Duration("delay", c.gate.Delay()))
		return StateUnknown

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.gate.Failure()
		c.log.Warn("status fetch unexpected response", logx.String("room", room), logx.Int("code", resp.StatusCode))
		return StateUnknown
	}

	var payload roomPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.gate.Failure()
		c.log.Warn("status payload unreadable", logx.String("room", room), logx.Err(err))
		return StateUnknown
	}

	c.gate.Success()
	if strings.EqualFold(strings.TrimSpace(payload.RoomStatus), "offline") {
		return StateOffline
	}
	return StateOnline
}
