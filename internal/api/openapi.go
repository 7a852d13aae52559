package api

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/mqtt-launcher/internal/dispatch"
	"github.com/mattjoyce/mqtt-launcher/internal/registry"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one dispatch path per
// configured topic.
func buildOpenAPIDoc(reg TopicRegistry) map[string]any {
	paths := map[string]any{}

	for _, topic := range reg.Topics() {
		entry, ok := reg.Lookup(topic)
		if !ok {
			continue
		}
		paths["/dispatch/"+topic] = map[string]any{"post": topicOperation(entry)}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "MQTT Launcher",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func topicOperation(e *registry.Entry) map[string]any {
	params := e.Params()
	desc := fmt.Sprintf("Runs the command for %s and publishes its output to %s.", e.Topic(), dispatch.ReportTopic(e.Topic()))
	if e.HasFallback() {
		desc += fmt.Sprintf(" Unknown payloads are substituted for %s in: %s.", registry.Placeholder, strings.Join(e.Fallback(), " "))
	}

	schema := map[string]any{"type": "string"}
	if !e.HasFallback() && len(params) > 0 {
		enum := make([]string, len(params))
		copy(enum, params)
		sort.Strings(enum)
		schema["enum"] = enum
	}

	return map[string]any{
		"operationId": "dispatch__" + strings.ReplaceAll(e.Topic(), "/", "_"),
		"summary":     "Dispatch " + e.Topic(),
		"description": desc,
		"tags":        []string{strings.SplitN(e.Topic(), "/", 2)[0]},
		"requestBody": map[string]any{
			"required": false,
			"content": map[string]any{
				"text/plain": map[string]any{"schema": schema},
			},
		},
		"responses": map[string]any{
			"200": map[string]any{"description": "Command ran and its report was published"},
			"400": map[string]any{"description": "Payload contains non-printable characters"},
			"404": map[string]any{"description": "Topic not configured"},
			"422": map[string]any{"description": "No matching param"},
		},
		"security": []any{map[string]any{"BearerAuth": []string{}}},
	}
}
