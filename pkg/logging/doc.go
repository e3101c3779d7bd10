// Package logging configures structured logging for wirestub.
//
// It is a thin layer over log/slog: New builds a logger from a Config
// (level, text or JSON format, destination writer), and Nop returns a
// logger that discards everything for components that require one but
// have nothing useful to say.
//
//	log := logging.New(logging.Config{
//	    Level:  logging.ParseLevel("debug"),
//	    Format: logging.FormatJSON,
//	})
//
//	log.Info("server started", "port", 4280)
//
// Beyond the basics the package ships two slog.Handler implementations:
// MultiHandler fans records out to several handlers at once, and
// LokiHandler batches records and pushes them to a Loki endpoint. The
// serve command combines them so console output and remote shipping
// share one logger.
//
// Components take a *slog.Logger in their constructor or via an option;
// none of them log through a package-level default.
package logging
