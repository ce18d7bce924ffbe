package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Header names carrying the caller identity to the relay.
const (
	HeaderUser   = "X-Nightlog-User"
	HeaderDevice = "X-Nightlog-Device"
)

// ClientConfig configures a relay client.
type ClientConfig struct {
	// BaseURL of the relay, e.g. http://localhost:8787
	BaseURL string

	// Caller is sent with every request
	Caller Caller

	// HTTPClient used for requests (default: 30s timeout)
	HTTPClient *http.Client

	// Retries is how many times a failed request is retried (default: 3)
	Retries int

	// Backoff is the first retry delay; it doubles per attempt (default: 200ms)
	Backoff time.Duration

	// Logger for connection activity
	Logger *log.Logger
}

// Client is a Transport that talks to a relay over HTTP and websocket.
type Client struct {
	base   *url.URL
	config ClientConfig
}

var _ Transport = (*Client)(nil)

// NewClient creates a relay client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("relay url cannot be empty")
	}
	if config.Caller.User == "" || config.Caller.Device == "" {
		return nil, fmt.Errorf("caller user and device are required")
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay url %q: %w", config.BaseURL, err)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.Retries <= 0 {
		config.Retries = 3
	}
	if config.Backoff <= 0 {
		config.Backoff = 200 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &Client{base: base, config: config}, nil
}

// Push implements Transport.
func (c *Client) Push(ctx context.Context, zone Zone, records []Record) (Cursor, error) {
	if err := zone.Validate(); err != nil {
		return 0, err
	}
	var resp struct {
		Cursor Cursor `json:"cursor"`
	}
	err := c.do(ctx, http.MethodPost, zonePath(zone, "records"), nil, PushRequest{Records: records}, &resp)
	return resp.Cursor, err
}

// Pull implements Transport.
func (c *Client) Pull(ctx context.Context, zone Zone, since Cursor, limit int) (Batch, error) {
	if err := zone.Validate(); err != nil {
		return Batch{}, err
	}
	q := url.Values{}
	q.Set("since", strconv.FormatInt(int64(since), 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var batch Batch
	err := c.do(ctx, http.MethodGet, zonePath(zone, "changes"), q, nil, &batch)
	return batch, err
}

// FetchShare implements Transport.
func (c *Client) FetchShare(ctx context.Context, root Zone) (*Share, error) {
	q := url.Values{}
	q.Set("root", root.String())
	return c.optionalShare(ctx, "/v1/shares", q)
}

// FetchSharedShare implements Transport.
func (c *Client) FetchSharedShare(ctx context.Context) (*Share, error) {
	return c.optionalShare(ctx, "/v1/shares/accepted", nil)
}

// SaveShare implements Transport.
func (c *Client) SaveShare(ctx context.Context, root Zone) (Share, error) {
	var s Share
	err := c.do(ctx, http.MethodPost, "/v1/shares", nil, SaveShareRequest{Root: root}, &s)
	return s, err
}

// AcceptShare implements Transport.
func (c *Client) AcceptShare(ctx context.Context, inv Invitation) (Share, error) {
	var s Share
	err := c.do(ctx, http.MethodPost, "/v1/shares/accept", nil, inv, &s)
	return s, err
}

// Subscribe implements Transport. The websocket is redialed with backoff
// when it drops; the channel closes when ctx ends.
func (c *Client) Subscribe(ctx context.Context) (<-chan Signal, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Signal, 16)
	go func() {
		defer close(out)
		backoff := c.config.Backoff

		for {
			err := c.readSignals(ctx, conn, out)
			_ = conn.Close(websocket.StatusNormalClosure, "")
			if ctx.Err() != nil {
				return
			}
			c.config.Logger.Printf("Signal stream dropped: %v", err)

			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				conn, err = c.dial(ctx)
				if err == nil {
					backoff = c.config.Backoff
					// Changes may have been missed while disconnected.
					select {
					case out <- Signal{}:
					default:
					}
					break
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				c.config.Logger.Printf("Reconnect failed: %v", err)
			}
		}
	}()
	return out, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/v1/ws"

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: c.headers(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}
	return conn, nil
}

func (c *Client) readSignals(ctx context.Context, conn *websocket.Conn, out chan<- Signal) error {
	for {
		var sig Signal
		if err := wsjson.Read(ctx, conn, &sig); err != nil {
			return err
		}
		select {
		case out <- sig:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) optionalShare(ctx context.Context, path string, q url.Values) (*Share, error) {
	var s Share
	err := c.do(ctx, http.MethodGet, path, q, nil, &s)
	if errors.Is(err, errNoContent) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

var errNoContent = errors.New("no content")

// do sends one JSON request, retrying transport errors and 5xx responses.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	u := *c.base
	u.Path += path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	backoff := c.config.Backoff
	var lastErr error
	for attempt := 0; attempt <= c.config.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		retry, err := c.once(ctx, method, u.String(), payload, out)
		if err == nil || !retry {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, u string, payload []byte, out any) (bool, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header = c.headers()
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return false, errNoContent
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("%s %s: %s", method, u, resp.Status)
	case resp.StatusCode >= 400:
		return false, decodeError(resp)
	}

	if out == nil {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return false, nil
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set(HeaderUser, c.config.Caller.User)
	h.Set(HeaderDevice, c.config.Caller.Device)
	return h
}

func decodeError(resp *http.Response) error {
	var e ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&e)
	msg := e.Error
	if msg == "" {
		msg = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownInvitation, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidZone, msg)
	default:
		return fmt.Errorf("relay error: %s", msg)
	}
}

func zonePath(z Zone, tail string) string {
	return "/v1/zones/" + url.PathEscape(z.Owner) + "/" + url.PathEscape(z.Name) + "/" + tail
}

// PushRequest is the body of a push.
type PushRequest struct {
	Records []Record `json:"records"`
}

// SaveShareRequest is the body of a share creation.
type SaveShareRequest struct {
	Root Zone `json:"root"`
}

// ErrorResponse is the body of every relay error.
type ErrorResponse struct {
	Error string `json:"error"`
}
