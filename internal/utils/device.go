package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/denisbrodbeck/machineid"
)

// HWID is a stable, app-scoped identifier for this device. Falls back to a
// hash of the hostname when the machine id is unavailable (containers, CI).
var HWID = deviceID()

func deviceID() string {
	id, err := machineid.ProtectedID("tally")
	if err == nil {
		return id
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	sum := sha256.Sum256([]byte("tally/" + host))
	return hex.EncodeToString(sum[:])
}

// MaskSecret hides all but the first few characters of a secret.
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "*****"
	}
	return s[:4] + "*****"
}
