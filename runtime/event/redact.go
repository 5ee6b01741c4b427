package event

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
)

const redactedPlaceholder = "[REDACTED]"

// credentialShapes matches values that look like credentials regardless of
// whether they were registered: provider key prefixes and bearer headers.
var credentialShapes = regexp.MustCompile(
	`(AKIA[0-9A-Z]{16}|sk-[A-Za-z0-9_-]{16,}|ghp_[A-Za-z0-9]{36}|xox[baprs]-[A-Za-z0-9-]{10,}|(?i:bearer\s+)[A-Za-z0-9._~+/=-]{16,})`)

// Scrubber removes secret material from human-visible text before it reaches
// the event log. Components receive secrets resolved just-in-time; every
// resolved value is registered here so that a component echoing a credential
// into a log line or an error message cannot leak it to observers.
type Scrubber struct {
	mu     sync.RWMutex
	values []string
}

// NewScrubber builds a scrubber seeded with the given secret values.
func NewScrubber(values ...string) *Scrubber {
	s := &Scrubber{}
	s.Register(values...)
	return s
}

// Register adds secret values to scrub. Short values are ignored: scrubbing
// 1-3 character fragments would mangle ordinary text.
func (s *Scrubber) Register(values ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		if len(v) >= 4 {
			s.values = append(s.values, v)
		}
	}
}

// Scrub replaces registered secret values and credential-shaped substrings.
func (s *Scrubber) Scrub(text string) string {
	s.mu.RLock()
	for _, v := range s.values {
		text = strings.ReplaceAll(text, v, redactedPlaceholder)
	}
	s.mu.RUnlock()
	return credentialShapes.ReplaceAllString(text, redactedPlaceholder)
}

// ScrubJSON scrubs every string value inside a JSON document. Invalid JSON
// is scrubbed as plain text.
func (s *Scrubber) ScrubJSON(raw json.RawMessage) json.RawMessage {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return json.RawMessage(s.Scrub(string(raw)))
	}
	scrubbed := s.scrubValue(doc)
	out, err := json.Marshal(scrubbed)
	if err != nil {
		return raw
	}
	return out
}

func (s *Scrubber) scrubValue(v any) any {
	switch t := v.(type) {
	case string:
		return s.Scrub(t)
	case []any:
		for i, e := range t {
			t[i] = s.scrubValue(e)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = s.scrubValue(e)
		}
		return t
	}
	return v
}
