// Package logging provides structured logging for xenbackd.
//
// This package wraps Go's standard log/slog package so every component
// (backend core, device classes, telemetry sinks, status API) logs with
// the same fields and format.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	ctx, err := backend.Open(backend.Config{Logger: logger.Component("backend")})
//
// Guest console lines are logged at info level with domid and devid
// attributes; never log page contents or tokens.
package logging
