package instance

import (
	"os"

	"github.com/angelmondragon/shelfledger-backend/pkg/env"
)

// EnvInstanceID overrides the detected process identity.
const EnvInstanceID = "SHELFLEDGER_INSTANCE_ID"

// GetID names this process in logs and in the cron lock value so an operator
// can tell which worker holds the scan. Falls back to the hostname.
func GetID() string {
	if id := env.Get(EnvInstanceID, ""); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
