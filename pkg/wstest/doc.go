// Package wstest provides a testing harness for driving a wirestub
// server in Go tests.
//
// The harness follows the record/replay shape: enqueue the responses
// the server should give, start it, point the code under test at its
// URL, then take the recorded requests off the observation queue and
// assert on what actually arrived on the wire.
//
// # Basic Usage
//
//	func TestClientRetries(t *testing.T) {
//	    srv := wstest.New(t)
//	    srv.Enqueue(mock.NewResponse().
//	        SetStatusCode(500).
//	        SetSocketPolicy(mock.PolicyDisconnectDuringResponseBody))
//	    srv.Enqueue(mock.NewResponse().SetBody("recovered"))
//	    base := srv.Start()
//
//	    resp, err := srv.Client().Get(base + "/flaky")
//	    // ... client retry behavior under test ...
//
//	    first := srv.TakeRequest()
//	    retry := srv.TakeRequest()
//	    // assert on first.RequestLine, retry.Headers, ...
//	}
//
// # TLS and HTTP/2
//
// UseTLS switches the server to TLS with a throwaway certificate and
// optionally advertises HTTP/2:
//
//	srv := wstest.New(t)
//	srv.UseTLS(engine.ProtocolH2, engine.ProtocolHTTP1)
//	srv.Enqueue(mock.NewResponse().SetBody("over h2"))
//	base := srv.Start()
//	resp, err := srv.Client().Get(base + "/")   // negotiates h2
//
// The server shuts down automatically when the test completes; call
// Stop to shut it down earlier.
package wstest
