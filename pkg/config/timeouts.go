package config

import "time"

// Common timeout durations used throughout the application.
const (
	// ShortTimeout for quick operations (event publishing, membership removal)
	ShortTimeout = 3 * time.Second

	// ShutdownTimeout bounds stopping the controllers and the HTTP server
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout for the admin HTTP server
	ReadHeaderTimeout = 5 * time.Second

	// CleanupTimeout for deferred cleanup operations (heartbeat removal)
	CleanupTimeout = 5 * time.Second
)
