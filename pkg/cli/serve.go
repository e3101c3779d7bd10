package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wirestub/wirestub/pkg/dispatch"
	"github.com/wirestub/wirestub/pkg/engine"
	"github.com/wirestub/wirestub/pkg/logging"
	"github.com/wirestub/wirestub/pkg/script"
	"github.com/wirestub/wirestub/pkg/tlsutil"
)

// serveFlags holds all flags for the serve command.
type serveFlags struct {
	scriptPath string
	port       int
	failFast   bool

	tlsEnabled bool
	tlsCert    string
	tlsKey     string
	clientAuth string
	protocols  string
	noALPN     bool
	tunnel     bool

	bodyLimit int64

	printURL     bool
	logLevel     string
	logFormat    string
	lokiEndpoint string
}

// serveFlagVals is the package-level instance bound to cobra flags.
var serveFlagVals serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a scripted wire server in the foreground",
	Long: `Run a wire server that answers requests from a response script.

The server runs in the foreground until SIGTERM/SIGINT. Without a
script it starts with an empty response queue: requests block until
the process is stopped (or answer 404 with --fail-fast), which is
mostly useful for connect/timeout testing.`,
	Example: `  # Serve a response script on an OS-assigned port, printing the URL
  wirestub serve --script faults.yaml --print-url

  # Fixed port, JSON logs for CI parsing
  wirestub serve --script faults.yaml --port 8080 --log-format json

  # TLS with a generated certificate, HTTP/2 preferred via ALPN
  wirestub serve --script faults.yaml --tls --protocols h2,http/1.1

  # TLS from certificate files, clients must present a certificate
  wirestub serve --script faults.yaml --tls-cert server.crt --tls-key server.key --client-auth require

  # Simulate a CONNECT proxy in front of a TLS origin
  wirestub serve --script faults.yaml --tls --tunnel-proxy`,
	RunE: runServe,
}

func init() {
	f := &serveFlagVals

	serveCmd.Flags().StringVarP(&f.scriptPath, "script", "s", "", "Path to response script (YAML or JSON)")
	serveCmd.Flags().IntVarP(&f.port, "port", "p", 0, "Listen port (0 = OS auto-assign)")
	serveCmd.Flags().BoolVar(&f.failFast, "fail-fast", false, "Answer 404 instead of blocking when the response queue runs dry")

	serveCmd.Flags().BoolVar(&f.tlsEnabled, "tls", false, "Serve TLS with a generated self-signed certificate")
	serveCmd.Flags().StringVar(&f.tlsCert, "tls-cert", "", "Path to TLS certificate file (PEM)")
	serveCmd.Flags().StringVar(&f.tlsKey, "tls-key", "", "Path to TLS private key file (PEM)")
	serveCmd.Flags().StringVar(&f.clientAuth, "client-auth", "none", "Client certificate mode (none, request, require, verify-if-given, require-and-verify)")
	serveCmd.Flags().StringVar(&f.protocols, "protocols", "", "Comma-separated ALPN preference list, e.g. h2,http/1.1")
	serveCmd.Flags().BoolVar(&f.noALPN, "no-alpn", false, "Disable protocol negotiation (TLS connections speak HTTP/1.1)")
	serveCmd.Flags().BoolVar(&f.tunnel, "tunnel-proxy", false, "Expect an HTTP CONNECT tunnel before the TLS handshake")

	serveCmd.Flags().Int64Var(&f.bodyLimit, "body-limit", 0, "Max recorded request body bytes (0 = unlimited)")

	serveCmd.Flags().BoolVar(&f.printURL, "print-url", false, "Print the server URL to stdout on startup")
	serveCmd.Flags().StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&f.logFormat, "log-format", "text", "Log format (text, json)")
	serveCmd.Flags().StringVar(&f.lokiEndpoint, "loki-endpoint", "", "Loki endpoint for log aggregation")

	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	f := &serveFlagVals

	if err := validateServeFlags(f); err != nil {
		return err
	}

	log := newServeLogger(f)

	srv, err := buildServer(f, log)
	if err != nil {
		return err
	}

	if err := srv.StartPort(f.port); err != nil {
		if isAddrInUseError(err) {
			return fmt.Errorf("port %d is already in use — try --port 0 for auto-assign", f.port)
		}
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer func() { _ = srv.Shutdown() }()

	// Print URL to stdout for programmatic consumption.
	if f.printURL {
		fmt.Println(srv.URL("/"))
	}

	attrs := []any{"url", srv.URL("/")}
	if f.scriptPath != "" {
		attrs = append(attrs, "script", f.scriptPath)
	}
	log.Info("server started", attrs...)

	// Wait for shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	log.Info("shutting down")

	return nil
}

// validateServeFlags validates flag combinations before anything starts.
func validateServeFlags(f *serveFlags) error {
	if f.port < 0 || f.port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 0 and 65535", f.port)
	}
	if f.bodyLimit < 0 {
		return fmt.Errorf("invalid body limit %d: must be >= 0", f.bodyLimit)
	}
	if (f.tlsCert == "") != (f.tlsKey == "") {
		return errors.New("--tls-cert and --tls-key must be given together")
	}

	tlsConfigured := f.tlsEnabled || f.tlsCert != ""
	if f.clientAuth != "" && f.clientAuth != "none" && !tlsConfigured {
		return errors.New("--client-auth requires TLS (--tls or --tls-cert/--tls-key)")
	}
	if f.protocols != "" && !tlsConfigured {
		return errors.New("--protocols requires TLS (ALPN happens in the TLS handshake)")
	}
	if f.tunnel && !tlsConfigured {
		return errors.New("--tunnel-proxy requires TLS (--tls or --tls-cert/--tls-key)")
	}
	if f.noALPN && f.protocols != "" {
		return errors.New("--no-alpn and --protocols are mutually exclusive")
	}

	return nil
}

// newServeLogger builds the structured logger, with an optional Loki
// handler fanned in for log aggregation.
func newServeLogger(f *serveFlags) *slog.Logger {
	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(f.logLevel),
		Format: logging.ParseFormat(f.logFormat),
	})

	if f.lokiEndpoint != "" {
		lokiHandler := logging.NewLokiHandler(f.lokiEndpoint,
			logging.WithLokiLabels(map[string]string{"service": "wirestub"}),
			logging.WithLokiLevel(logging.ParseLevel(f.logLevel)),
		)
		log = slog.New(logging.NewMultiHandler(log.Handler(), lokiHandler))
		log.Info("log aggregation enabled", "endpoint", f.lokiEndpoint)
	}

	return log
}

// buildServer assembles a configured, unstarted server from flags.
func buildServer(f *serveFlags, log *slog.Logger) (*engine.Server, error) {
	opts := []engine.ServerOption{
		engine.WithLogger(log.With("component", "engine")),
	}
	if f.bodyLimit > 0 {
		opts = append(opts, engine.WithBodyLimit(f.bodyLimit))
	}

	if f.scriptPath != "" {
		s, err := script.Load(f.scriptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load script: %w", err)
		}
		d, err := s.Dispatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to build script: %w", err)
		}
		opts = append(opts, engine.WithDispatcher(d))
	}

	srv := engine.NewServer(opts...)

	if f.failFast {
		q, ok := srv.Dispatcher().(*dispatch.QueueDispatcher)
		if !ok {
			return nil, errors.New("--fail-fast applies to response scripts (queue mode)")
		}
		q.SetFailFast(true)
	}

	if f.protocols != "" {
		if err := srv.SetProtocols(splitList(f.protocols)); err != nil {
			return nil, err
		}
	}

	switch {
	case f.tlsCert != "":
		cert, err := tls.LoadX509KeyPair(f.tlsCert, f.tlsKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		srv.SetTLS(cert)
	case f.tlsEnabled:
		if _, err := srv.UseTLS(); err != nil {
			return nil, err
		}
	}

	mode, err := tlsutil.ParseClientAuth(f.clientAuth)
	if err != nil {
		return nil, err
	}
	srv.SetClientAuth(mode)
	srv.SetProtocolNegotiation(!f.noALPN)
	srv.SetTunnelProxy(f.tunnel)

	return srv, nil
}

// splitList parses a comma-separated flag value, trimming whitespace.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isAddrInUseError(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "address already in use")
}
