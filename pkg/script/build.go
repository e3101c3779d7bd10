package script

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/wirestub/wirestub/pkg/dispatch"
	"github.com/wirestub/wirestub/pkg/mock"
)

// Dispatcher builds the dispatcher the script describes: a preloaded
// FIFO queue for response scripts, a rule dispatcher for match scripts.
func (s *Script) Dispatcher() (dispatch.Dispatcher, error) {
	if len(s.Rules) > 0 {
		rules := dispatch.NewRules()
		for i := range s.Rules {
			resp, err := s.Rules[i].Response.build(s.dir)
			if err != nil {
				return nil, fmt.Errorf("rules[%d]: %w", i, err)
			}
			if err := rules.Add(dispatch.Rule{Predicate: s.Rules[i].Match, Response: resp}); err != nil {
				return nil, fmt.Errorf("rules[%d]: %w", i, err)
			}
		}
		if s.Fallback != nil {
			resp, err := s.Fallback.build(s.dir)
			if err != nil {
				return nil, fmt.Errorf("fallback: %w", err)
			}
			rules.SetFallback(resp)
		}
		return rules, nil
	}

	q := dispatch.NewQueue()
	if s.FailFast {
		q.SetFailFast(true)
	}
	for i := range s.Responses {
		resp, err := s.Responses[i].build(s.dir)
		if err != nil {
			return nil, fmt.Errorf("responses[%d]: %w", i, err)
		}
		q.Enqueue(resp)
	}
	return q, nil
}

// build converts one scripted entry into a ready response. The body is
// applied before scripted headers so that a scripted Content-Length or
// Transfer-Encoding overrides the computed one.
func (r *ResponseSpec) build(dir string) (*mock.Response, error) {
	resp := mock.NewResponse()
	switch {
	case r.StatusLine != "":
		resp.SetStatus(r.StatusLine)
	case r.Status != 0:
		resp.SetStatusCode(r.Status)
	}

	body := []byte(r.Body)
	if r.BodyFile != "" {
		path := r.BodyFile
		if !filepath.IsAbs(path) && dir != "" {
			path = filepath.Join(dir, path)
		}
		var err error
		body, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading bodyFile: %w", err)
		}
	}
	switch {
	case r.Chunked != nil:
		resp.SetChunkedBody(string(body), r.Chunked.MaxChunkSize)
	case len(body) > 0:
		resp.SetBodyBytes(body)
	}

	headers, err := parseHeaderList(r.Headers)
	if err != nil {
		return nil, err
	}
	for _, name := range headers.Names() {
		resp.Headers.Del(name)
	}
	for _, e := range headers.Entries() {
		resp.AddHeader(e.Name, e.Value)
	}

	trailers, err := parseHeaderList(r.Trailers)
	if err != nil {
		return nil, err
	}
	for _, e := range trailers.Entries() {
		resp.AddTrailer(e.Name, e.Value)
	}

	if r.SocketPolicy != "" {
		policy, err := mock.ParseSocketPolicy(r.SocketPolicy)
		if err != nil {
			return nil, err
		}
		resp.SetSocketPolicy(policy)
	}
	if r.Throttle != nil {
		period, err := time.ParseDuration(r.Throttle.Period)
		if err != nil {
			return nil, fmt.Errorf("throttle period: %w", err)
		}
		resp.SetThrottle(r.Throttle.BytesPerPeriod, period)
	}
	if r.HeadersDelay != "" {
		d, err := time.ParseDuration(r.HeadersDelay)
		if err != nil {
			return nil, fmt.Errorf("headersDelay: %w", err)
		}
		resp.SetHeadersDelay(d)
	}
	if r.BodyDelay != "" {
		d, err := time.ParseDuration(r.BodyDelay)
		if err != nil {
			return nil, fmt.Errorf("bodyDelay: %w", err)
		}
		resp.SetBodyDelay(d)
	}
	if r.HTTP2ErrorCode != 0 {
		resp.SetHTTP2ErrorCode(r.HTTP2ErrorCode)
	}
	for _, st := range r.Settings.build() {
		resp.AddSetting(st)
	}

	for i := range r.Push {
		p := &r.Push[i]
		pushHeaders, err := parseHeaderList(p.Headers)
		if err != nil {
			return nil, fmt.Errorf("push[%d]: %w", i, err)
		}
		pushResp, err := p.Response.build(dir)
		if err != nil {
			return nil, fmt.Errorf("push[%d]: %w", i, err)
		}
		method := p.Method
		if method == "" {
			method = "GET"
		}
		resp.AddPushPromise(mock.PushPromise{
			Method:   method,
			Path:     p.Path,
			Headers:  pushHeaders,
			Response: pushResp,
		})
	}
	return resp, nil
}

// build returns the advertised settings in identifier order.
func (s *SettingsSpec) build() []http2.Setting {
	if s == nil {
		return nil
	}
	var out []http2.Setting
	add := func(id http2.SettingID, v *uint32) {
		if v != nil {
			out = append(out, http2.Setting{ID: id, Val: *v})
		}
	}
	add(http2.SettingHeaderTableSize, s.HeaderTableSize)
	add(http2.SettingEnablePush, s.EnablePush)
	add(http2.SettingMaxConcurrentStreams, s.MaxConcurrentStreams)
	add(http2.SettingInitialWindowSize, s.InitialWindowSize)
	add(http2.SettingMaxFrameSize, s.MaxFrameSize)
	add(http2.SettingMaxHeaderListSize, s.MaxHeaderListSize)
	return out
}

func parseHeaderList(lines []string) (mock.Headers, error) {
	var h mock.Headers
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return mock.Headers{}, fmt.Errorf("header %q is not in Name: value form", line)
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h, nil
}
