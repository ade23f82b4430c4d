// Package logging provides a minimal logging interface and adapters for SwarmKit.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, bus and coordination services use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - SwarmLogger with component/operation/agent context and domain helpers
//   - ZerologAdapter for zerolog users
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{
//		Level:  logging.LevelFromEnv(logging.LogLevelInfo),
//		Format: "json",
//	})
//	eng, err := engine.New(func(o *engine.Options) { o.Logger = logger })
//
// The interface stays minimal to avoid vendor lock-in while supporting
// structured logging where available.
package logging
