package client

// ControlPlaneConfig configures the local HTTP server the web app talks to.
type ControlPlaneConfig struct {
	// Addr to bind, loopback by default
	Addr string
	// AuthToken guards the /v1 routes; empty disables auth
	AuthToken string
	// AllowedOrigins for CORS; empty allows any origin
	AllowedOrigins []string
	// RateLimit in limiter notation, e.g. "20-S"
	RateLimit string
}
