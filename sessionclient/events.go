package sessionclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kinderboard/relay/broadcast"
)

// ErrStreamClosed is returned by Listen when the relay ends the stream.
var ErrStreamClosed = errors.New("sessionclient: event stream closed")

// maxEventSize bounds a single SSE line.
const maxEventSize = 256 << 10

// Listen follows the relay's session-event stream and calls fn for every
// session change made by another tab of the same device. The cached
// session is updated before fn runs. Listen blocks until ctx is done, in
// which case it returns nil, or the stream fails.
func (c *Client) Listen(ctx context.Context, fn func(broadcast.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("session-events"), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any request timeout.
	stream := &http.Client{
		Transport:     c.httpClient.Transport,
		Jar:           c.httpClient.Jar,
		CheckRedirect: c.httpClient.CheckRedirect,
	}
	resp, err := stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, body)
	}

	err = readEvents(resp.Body, func(eventType, data string) {
		if !isSessionEvent(eventType) {
			return
		}
		var ev broadcast.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Warn("undecodable session event", "type", eventType, "error", err)
			return
		}
		c.apply(ev)
		if fn != nil {
			fn(ev)
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ErrStreamClosed
}

// apply folds ev into the cached session.
func (c *Client) apply(ev broadcast.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case broadcast.EventLogout:
		c.cached = nil
	case broadcast.EventProfile:
		if c.cached != nil {
			c.cached.UserInfo = ev.UserInfo
		}
	case broadcast.EventSession:
		if ev.Token == "" {
			// Without a token the new session cannot be adopted.
			c.cached = nil
			return
		}
		c.cached = &Session{Token: ev.Token, UserInfo: ev.UserInfo}
	}
}

func isSessionEvent(eventType string) bool {
	switch broadcast.EventType(eventType) {
	case broadcast.EventSession, broadcast.EventProfile, broadcast.EventAutoLogin,
		broadcast.EventLogout, broadcast.EventForgotten:
		return true
	}
	return false
}

// readEvents splits an SSE stream into events and calls emit for each one
// that carries data. Comment lines and unknown fields are ignored.
func readEvents(r io.Reader, emit func(eventType, data string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxEventSize)

	var eventType string
	var data []string
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if len(data) > 0 {
				if eventType == "" {
					eventType = "message"
				}
				emit(eventType, strings.Join(data, "\n"))
			}
			eventType, data = "", nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "data":
			data = append(data, value)
		}
	}
	return scanner.Err()
}
