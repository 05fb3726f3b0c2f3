package client

import "github.com/tallyhq/tally/internal/client/config"

// DaemonConfig bundles everything the agent daemon needs to come up.
type DaemonConfig struct {
	Client       *config.Config
	ControlPlane *ControlPlaneConfig
}
