package mock

import "fmt"

// SocketPolicy is a fault-injection directive applied to the connection
// serving a response. Policies act at one of four checkpoints: at
// accept, at the TLS handshake, during body transfer, or after the
// response is fully written.
type SocketPolicy int

const (
	// PolicyKeepOpen keeps the connection open after the response.
	// This is the default.
	PolicyKeepOpen SocketPolicy = iota

	// PolicyDisconnectAtStart closes the socket before reading any
	// bytes, before any TLS handshake.
	PolicyDisconnectAtStart

	// PolicyDisconnectAfterRequest reads the request fully, then
	// closes the socket without writing a response.
	PolicyDisconnectAfterRequest

	// PolicyDisconnectDuringRequestBody severs the socket after half
	// of the request body has been read.
	PolicyDisconnectDuringRequestBody

	// PolicyDisconnectDuringResponseBody severs the socket after half
	// of the response body has been written.
	PolicyDisconnectDuringResponseBody

	// PolicyDisconnectAtEnd closes the socket after the response is
	// fully written.
	PolicyDisconnectAtEnd

	// PolicyUpgradeToTLSAtEnd ends a CONNECT tunnel cycle: after this
	// response the socket is wrapped in TLS.
	PolicyUpgradeToTLSAtEnd

	// PolicyFailHandshake aborts the TLS handshake so the client sees
	// a genuine handshake failure.
	PolicyFailHandshake

	// PolicyShutdownInputAtEnd half-closes the read side after the
	// response is written.
	PolicyShutdownInputAtEnd

	// PolicyShutdownOutputAtEnd half-closes the write side after the
	// response is written.
	PolicyShutdownOutputAtEnd

	// PolicyStallSocketAtStart accepts the connection and then never
	// speaks, holding the socket open until shutdown.
	PolicyStallSocketAtStart

	// PolicyNoResponse reads the request and never answers, keeping
	// the socket open. Tests client read-timeout logic.
	PolicyNoResponse

	// PolicyResetStreamAtStart answers an HTTP/2 stream with RST_STREAM
	// carrying the response's HTTP2ErrorCode instead of dispatching.
	PolicyResetStreamAtStart

	// PolicyExpectContinue sends a 100-continue interim response when
	// the request carries an Expect: 100-continue header.
	PolicyExpectContinue

	// PolicyContinueAlways sends a 100-continue interim response
	// whether or not the request asked for one.
	PolicyContinueAlways
)

var policyNames = [...]string{
	PolicyKeepOpen:                     "keep-open",
	PolicyDisconnectAtStart:            "disconnect-at-start",
	PolicyDisconnectAfterRequest:       "disconnect-after-request",
	PolicyDisconnectDuringRequestBody:  "disconnect-during-request-body",
	PolicyDisconnectDuringResponseBody: "disconnect-during-response-body",
	PolicyDisconnectAtEnd:              "disconnect-at-end",
	PolicyUpgradeToTLSAtEnd:            "upgrade-to-ssl-at-end",
	PolicyFailHandshake:                "fail-handshake",
	PolicyShutdownInputAtEnd:           "shutdown-input-at-end",
	PolicyShutdownOutputAtEnd:          "shutdown-output-at-end",
	PolicyStallSocketAtStart:           "stall-socket-at-start",
	PolicyNoResponse:                   "no-response",
	PolicyResetStreamAtStart:           "reset-stream-at-start",
	PolicyExpectContinue:               "expect-continue",
	PolicyContinueAlways:               "continue-always",
}

// String returns the policy's wire/script form.
func (p SocketPolicy) String() string {
	if p >= 0 && int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("socket-policy(%d)", int(p))
}

// ParseSocketPolicy parses the script form of a policy name.
func ParseSocketPolicy(s string) (SocketPolicy, error) {
	for p, name := range policyNames {
		if s == name {
			return SocketPolicy(p), nil
		}
	}
	return PolicyKeepOpen, fmt.Errorf("unknown socket policy %q", s)
}
