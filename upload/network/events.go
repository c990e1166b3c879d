package network

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
)

// SSENotifier subscribes to the per-session server-sent event stream.
// The stream is advisory: it accelerates progress display, while the
// synchronous chunk acks remain the source of truth for uploaded state.
type SSENotifier struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewSSENotifier ...
func NewSSENotifier(httpClient *http.Client, baseURL string, accessToken string, logger log.Logger) *SSENotifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 0}
	}
	return &SSENotifier{
		httpClient:  httpClient,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

// Subscribe opens the event stream for the session. Events are delivered
// on the returned channel until the context is cancelled or the connection
// drops; either way the channel is closed. The channel has a single reader
// per session.
func (n *SSENotifier) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	url := fmt.Sprintf("%s/uploads/%s/events", n.baseURL, sessionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", n.accessToken))
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close() //nolint:errcheck
		return nil, unwrapError(resp)
	}

	events := make(chan Event)
	go n.readLoop(ctx, sessionID, resp, events)

	return events, nil
}

func (n *SSENotifier) readLoop(ctx context.Context, sessionID string, resp *http.Response, events chan<- Event) {
	defer close(events)
	defer func() {
		if err := resp.Body.Close(); err != nil {
			n.logger.Debugf("close event stream: %s", err)
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var eventName, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event, ok := n.decodeEvent(eventName, data); ok {
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
			eventName, data = "", ""
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		n.logger.Warnf("event stream for session %s dropped: %s", sessionID, err)
	}
}

func (n *SSENotifier) decodeEvent(eventName, data string) (Event, bool) {
	switch EventType(eventName) {
	case EventChunkAcked, EventAssemblyStarted, EventAssemblyCompleted, EventAssemblyFailed:
	default:
		if eventName != "" {
			n.logger.Debugf("ignoring unknown event %q", eventName)
		}
		return Event{}, false
	}

	event := Event{Type: EventType(eventName), ChunkIndex: -1}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			n.logger.Debugf("ignoring malformed %s event payload: %s", eventName, err)
			return Event{}, false
		}
		event.Type = EventType(eventName)
	}
	return event, true
}
