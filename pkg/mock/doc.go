// Package mock defines the scripted response and recorded request types
// exchanged between tests and the wire engine.
//
// A Response is a canned reply template: status line, ordered headers,
// body bytes (or a duplex stream handler), and the socket fault to
// inject while serving it. A RecordedRequest is the engine's
// observation of what actually arrived on the wire, including framing
// details such as literal chunk sizes and parse failures.
package mock
