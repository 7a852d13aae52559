package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/mqtt-launcher/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	MQTTConnected bool   `json:"mqtt_connected"`
	Topics        int    `json:"topics"`
	QueueDepth    int    `json:"queue_depth"`
}

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}
type healthTickMsg struct{}

// --- Commands ---

// subscribeToEvents connects to the SSE /events endpoint and feeds events
// into ch. It returns sseDisconnectedMsg when the stream ends.
func subscribeToEvents(ctx context.Context, apiURL, apiKey string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events: %s", resp.Status))
		}

		_ = readSSE(resp.Body, func(ev events.Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		})
		return sseDisconnectedMsg{}
	}
}

// readSSE parses an event stream, calling emit for every complete event.
func readSSE(r io.Reader, emit func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cur events.Event
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				cur.Data = []byte(strings.Join(data, "\n"))
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				emit(cur)
			}
			cur = events.Event{}
			data = nil
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = append(data, line[6:])
		}
	}
	return scanner.Err()
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(apiURL string) tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(apiURL + "/healthz")
		if err != nil {
			return errMsg(err)
		}
		defer resp.Body.Close()

		var h healthMsg
		if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
			return errMsg(err)
		}
		return h
	}
}
