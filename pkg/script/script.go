// Package script loads response scripts: YAML or JSON files describing
// either a FIFO queue of canned responses or an ordered rule set,
// converted into a dispatcher ready to install on a server.
package script

import (
	"fmt"
	"strings"
	"time"

	"github.com/wirestub/wirestub/pkg/mock"
)

// ValidationError reports an invalid script field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// Script is the root of a script file. Exactly one of Responses (queue
// mode: each response answers one request, in order) or Rules (match
// mode: the first matching rule answers any number of requests) must be
// populated.
type Script struct {
	// Version is the script format version. Empty and "1" are accepted.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Name labels the script in logs.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// FailFast answers 404 instead of blocking when the queue runs dry.
	// Queue mode only.
	FailFast bool `json:"failFast,omitempty" yaml:"failFast,omitempty"`

	// Responses is the FIFO script for queue mode.
	Responses []ResponseSpec `json:"responses,omitempty" yaml:"responses,omitempty"`

	// Rules is the ordered rule set for match mode.
	Rules []RuleSpec `json:"rules,omitempty" yaml:"rules,omitempty"`

	// Fallback answers requests no rule matched. Match mode only.
	Fallback *ResponseSpec `json:"fallback,omitempty" yaml:"fallback,omitempty"`

	// dir resolves bodyFile references relative to the script file.
	dir string
}

// ResponseSpec describes one response in script form. Field semantics
// match mock.Response; durations are Go duration strings ("250ms").
type ResponseSpec struct {
	// Status is the numeric status code; the standard reason phrase is
	// appended. Default 200.
	Status int `json:"status,omitempty" yaml:"status,omitempty"`

	// StatusLine is the literal status line, for deliberately
	// nonstandard lines. Mutually exclusive with Status.
	StatusLine string `json:"statusLine,omitempty" yaml:"statusLine,omitempty"`

	// Headers are "Name: value" lines, order and duplicates preserved.
	// A scripted name replaces any computed default of the same name.
	Headers []string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Trailers are "Name: value" lines written after a chunked body.
	Trailers []string `json:"trailers,omitempty" yaml:"trailers,omitempty"`

	// Body is the literal response body.
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// BodyFile reads the body from a file, resolved relative to the
	// script file. Mutually exclusive with Body.
	BodyFile string `json:"bodyFile,omitempty" yaml:"bodyFile,omitempty"`

	// Chunked re-frames the body with chunked transfer encoding.
	Chunked *ChunkedSpec `json:"chunked,omitempty" yaml:"chunked,omitempty"`

	// SocketPolicy is the fault to inject, in kebab-case string form
	// ("disconnect-at-end").
	SocketPolicy string `json:"socketPolicy,omitempty" yaml:"socketPolicy,omitempty"`

	// Throttle bounds body transfer speed.
	Throttle *ThrottleSpec `json:"throttle,omitempty" yaml:"throttle,omitempty"`

	// HeadersDelay delays the status line.
	HeadersDelay string `json:"headersDelay,omitempty" yaml:"headersDelay,omitempty"`

	// BodyDelay delays the body after the headers are written.
	BodyDelay string `json:"bodyDelay,omitempty" yaml:"bodyDelay,omitempty"`

	// HTTP2ErrorCode is the RST_STREAM code for reset-stream-at-start.
	HTTP2ErrorCode uint32 `json:"http2ErrorCode,omitempty" yaml:"http2ErrorCode,omitempty"`

	// Settings are HTTP/2 settings advertised with this response.
	Settings *SettingsSpec `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Push are promises pushed before the body on HTTP/2.
	Push []PushSpec `json:"push,omitempty" yaml:"push,omitempty"`
}

// ChunkedSpec switches the body to chunked transfer encoding.
type ChunkedSpec struct {
	// MaxChunkSize caps each chunk; 0 frames the body as one chunk.
	MaxChunkSize int `json:"maxChunkSize,omitempty" yaml:"maxChunkSize,omitempty"`
}

// ThrottleSpec bounds transfer to BytesPerPeriod bytes per Period.
type ThrottleSpec struct {
	BytesPerPeriod int64  `json:"bytesPerPeriod" yaml:"bytesPerPeriod"`
	Period         string `json:"period" yaml:"period"`
}

// SettingsSpec names the HTTP/2 settings a response may advertise.
// Pointers distinguish "absent" from an explicit zero (enablePush: 0).
type SettingsSpec struct {
	HeaderTableSize      *uint32 `json:"headerTableSize,omitempty" yaml:"headerTableSize,omitempty"`
	EnablePush           *uint32 `json:"enablePush,omitempty" yaml:"enablePush,omitempty"`
	MaxConcurrentStreams *uint32 `json:"maxConcurrentStreams,omitempty" yaml:"maxConcurrentStreams,omitempty"`
	InitialWindowSize    *uint32 `json:"initialWindowSize,omitempty" yaml:"initialWindowSize,omitempty"`
	MaxFrameSize         *uint32 `json:"maxFrameSize,omitempty" yaml:"maxFrameSize,omitempty"`
	MaxHeaderListSize    *uint32 `json:"maxHeaderListSize,omitempty" yaml:"maxHeaderListSize,omitempty"`
}

// PushSpec is a push promise: the synthetic request plus its response.
type PushSpec struct {
	// Method defaults to GET.
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// Path is the promised request path. Required.
	Path string `json:"path" yaml:"path"`

	// Headers are "Name: value" lines on the synthetic request.
	Headers []string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Response is served on the promised stream.
	Response ResponseSpec `json:"response" yaml:"response"`
}

// RuleSpec pairs a predicate with a response.
type RuleSpec struct {
	// Match is an expr predicate over method, path, body, header(name)
	// and pathMatches(glob). Empty matches every request.
	Match string `json:"match,omitempty" yaml:"match,omitempty"`

	// Response is served when the rule matches.
	Response ResponseSpec `json:"response" yaml:"response"`
}

// Validate checks the script for structural errors before any response
// is built.
func (s *Script) Validate() error {
	if s.Version != "" && s.Version != "1" {
		return &ValidationError{Field: "version", Message: fmt.Sprintf("unsupported version %q", s.Version)}
	}
	if len(s.Responses) > 0 && len(s.Rules) > 0 {
		return &ValidationError{Field: "responses", Message: "responses and rules are mutually exclusive"}
	}
	if len(s.Responses) == 0 && len(s.Rules) == 0 {
		return &ValidationError{Field: "responses", Message: "script defines neither responses nor rules"}
	}
	if s.Fallback != nil && len(s.Rules) == 0 {
		return &ValidationError{Field: "fallback", Message: "fallback requires rules"}
	}
	if s.FailFast && len(s.Rules) > 0 {
		return &ValidationError{Field: "failFast", Message: "failFast applies to queue mode only"}
	}

	for i := range s.Responses {
		if err := s.Responses[i].validate(fmt.Sprintf("responses[%d]", i)); err != nil {
			return err
		}
	}
	for i := range s.Rules {
		if err := s.Rules[i].Response.validate(fmt.Sprintf("rules[%d].response", i)); err != nil {
			return err
		}
	}
	if s.Fallback != nil {
		if err := s.Fallback.validate("fallback"); err != nil {
			return err
		}
	}
	return nil
}

func (r *ResponseSpec) validate(field string) error {
	if r.Status != 0 && (r.Status < 100 || r.Status > 599) {
		return &ValidationError{
			Field:   field + ".status",
			Message: fmt.Sprintf("status must be between 100-599, got %d", r.Status),
		}
	}
	if r.Status != 0 && r.StatusLine != "" {
		return &ValidationError{Field: field + ".status", Message: "cannot specify both status and statusLine"}
	}
	if r.Body != "" && r.BodyFile != "" {
		return &ValidationError{Field: field + ".body", Message: "cannot specify both body and bodyFile"}
	}
	if err := validateHeaderList(r.Headers, field+".headers"); err != nil {
		return err
	}
	if err := validateHeaderList(r.Trailers, field+".trailers"); err != nil {
		return err
	}
	if r.SocketPolicy != "" {
		if _, err := mock.ParseSocketPolicy(r.SocketPolicy); err != nil {
			return &ValidationError{Field: field + ".socketPolicy", Message: err.Error()}
		}
	}
	if err := validateDuration(r.HeadersDelay, field+".headersDelay"); err != nil {
		return err
	}
	if err := validateDuration(r.BodyDelay, field+".bodyDelay"); err != nil {
		return err
	}
	if r.Throttle != nil {
		if r.Throttle.BytesPerPeriod <= 0 {
			return &ValidationError{Field: field + ".throttle.bytesPerPeriod", Message: "must be > 0"}
		}
		if r.Throttle.Period == "" {
			return &ValidationError{Field: field + ".throttle.period", Message: "period is required"}
		}
		if err := validateDuration(r.Throttle.Period, field+".throttle.period"); err != nil {
			return err
		}
	}
	if r.Chunked != nil && r.Chunked.MaxChunkSize < 0 {
		return &ValidationError{Field: field + ".chunked.maxChunkSize", Message: "must be >= 0"}
	}
	for i := range r.Push {
		p := &r.Push[i]
		if p.Path == "" {
			return &ValidationError{Field: fmt.Sprintf("%s.push[%d].path", field, i), Message: "path is required"}
		}
		if err := validateHeaderList(p.Headers, fmt.Sprintf("%s.push[%d].headers", field, i)); err != nil {
			return err
		}
		if err := p.Response.validate(fmt.Sprintf("%s.push[%d].response", field, i)); err != nil {
			return err
		}
	}
	return nil
}

func validateHeaderList(lines []string, field string) error {
	for i, line := range lines {
		name, _, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Message: fmt.Sprintf("header %q is not in Name: value form", line),
			}
		}
	}
	return nil
}

func validateDuration(s, field string) error {
	if s == "" {
		return nil
	}
	if _, err := time.ParseDuration(s); err != nil {
		return &ValidationError{Field: field, Message: fmt.Sprintf("invalid duration %q", s)}
	}
	return nil
}
