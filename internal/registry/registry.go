// Package registry holds the immutable topic -> command table built once from
// configuration at startup.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/mqtt-launcher/internal/config"
)

// Placeholder is replaced by the payload in fallback templates.
const Placeholder = "@!@"

var (
	// ErrTopicNotFound means the topic is not configured.
	ErrTopicNotFound = errors.New("topic not configured")

	// ErrNoMatch means the topic has no entry for the payload and no fallback.
	ErrNoMatch = errors.New("no matching param")
)

// Match records which entry resolved a command.
type Match string

const (
	MatchParam    Match = "param"
	MatchFallback Match = "fallback"
)

// Entry is the per-topic command table.
type Entry struct {
	topic    string
	params   map[string][]string
	fallback []string
}

// Topic returns the topic name.
func (e *Entry) Topic() string { return e.topic }

// HasFallback reports whether a no-parameter template exists.
func (e *Entry) HasFallback() bool { return e.fallback != nil }

// Params returns the exact-parameter keys in sorted order.
func (e *Entry) Params() []string {
	keys := make([]string, 0, len(e.params))
	for k := range e.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Command returns a copy of the template for param.
func (e *Entry) Command(param string) ([]string, bool) {
	argv, ok := e.params[param]
	if !ok {
		return nil, false
	}
	return clone(argv), true
}

// Fallback returns a copy of the fallback template, or nil.
func (e *Entry) Fallback() []string { return clone(e.fallback) }

// Resolve selects the command for payload. An exact parameter match is used
// verbatim; otherwise every Placeholder in the fallback template is replaced by
// the payload, with an absent payload substituted as "". The returned slice is
// owned by the caller.
func (e *Entry) Resolve(payload *string) ([]string, Match, error) {
	if payload != nil {
		if argv, ok := e.params[*payload]; ok {
			return clone(argv), MatchParam, nil
		}
	}
	if e.fallback == nil {
		return nil, "", ErrNoMatch
	}

	value := ""
	if payload != nil {
		value = *payload
	}
	argv := make([]string, len(e.fallback))
	for i, tok := range e.fallback {
		argv[i] = strings.ReplaceAll(tok, Placeholder, value)
	}
	return argv, MatchFallback, nil
}

// Registry maps topic names to entries. It is never mutated after New and is
// safe for concurrent reads.
type Registry struct {
	entries map[string]*Entry
	topics  []string
}

// New builds a registry from topic configuration.
func New(topics map[string]config.TopicConf) (*Registry, error) {
	r := &Registry{
		entries: make(map[string]*Entry, len(topics)),
		topics:  make([]string, 0, len(topics)),
	}
	for name, tc := range topics {
		if name == "" {
			return nil, fmt.Errorf("empty topic name")
		}
		if len(tc.Params) == 0 && tc.Default == nil {
			return nil, fmt.Errorf("topic %q: no commands", name)
		}
		e := &Entry{
			topic:    name,
			params:   make(map[string][]string, len(tc.Params)),
			fallback: clone(tc.Default),
		}
		for param, argv := range tc.Params {
			e.params[param] = clone(argv)
		}
		r.entries[name] = e
		r.topics = append(r.topics, name)
	}
	sort.Strings(r.topics)
	return r, nil
}

// FromConfig builds a registry from a loaded configuration.
func FromConfig(cfg *config.Config) (*Registry, error) {
	return New(cfg.Topics)
}

// Lookup returns the entry for topic.
func (r *Registry) Lookup(topic string) (*Entry, bool) {
	e, ok := r.entries[topic]
	return e, ok
}

// Resolve looks up topic and resolves the command for payload.
func (r *Registry) Resolve(topic string, payload *string) ([]string, Match, error) {
	e, ok := r.entries[topic]
	if !ok {
		return nil, "", ErrTopicNotFound
	}
	return e.Resolve(payload)
}

// Topics returns the subscribed topic names in sorted order.
func (r *Registry) Topics() []string {
	out := make([]string, len(r.topics))
	copy(out, r.topics)
	return out
}

// Len returns the number of topics.
func (r *Registry) Len() int { return len(r.topics) }

func clone(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
