package api

import "github.com/mattjoyce/mqtt-launcher/internal/history"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	MQTTConnected bool   `json:"mqtt_connected"`
	Topics        int    `json:"topics"`
	QueueDepth    int    `json:"queue_depth"`
}

// TopicResponse describes one configured topic.
type TopicResponse struct {
	Topic       string              `json:"topic"`
	ReportTopic string              `json:"report_topic"`
	Params      map[string][]string `json:"params,omitempty"`
	Fallback    []string            `json:"fallback,omitempty"`
}

// RunsResponse is returned by GET /runs.
type RunsResponse struct {
	Runs []history.Run `json:"runs"`
}

// DispatchResponse is returned by POST /dispatch/{topic}.
type DispatchResponse struct {
	RunID       string   `json:"run_id"`
	Topic       string   `json:"topic"`
	ReportTopic string   `json:"report_topic"`
	Match       string   `json:"match"`
	Argv        []string `json:"argv"`
	Status      string   `json:"status"`
	ExitCode    int      `json:"exit_code"`
	Output      string   `json:"output"`
	DurationMS  int64    `json:"duration_ms"`
}
