package telemetry

import (
	"os"
	"runtime"
	"strings"
)

// Firmware is the payload schema version reported on the fw-version feed.
// Bump it when feed keys or units change.
const Firmware = "1.0.7"

// Identity names the node on every sink.
type Identity struct {
	// Name is the configured human-readable sensor name.
	Name string
	// ID is a short stable node identifier.
	ID string
	// Kind is the detected sensor chip, e.g. "BME680".
	Kind string
}

// Overridable for tests.
var (
	machineIDPath  = "/etc/machine-id"
	deviceTreePath = "/proc/device-tree/model"
)

// NodeID derives a short stable identifier from the machine id, keeping the
// last six hex digits. Without a readable machine id it falls back to the
// hostname so the node still reports something distinguishable.
func NodeID() string {
	raw, err := os.ReadFile(machineIDPath)
	if err == nil {
		id := strings.TrimSpace(string(raw))
		if len(id) >= 6 {
			return strings.ToLower(id[len(id)-6:])
		}
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		return "000000"
	}
	if len(host) > 6 {
		host = host[len(host)-6:]
	}

	return strings.ToLower(host)
}

// BoardCode returns a short code for the host board, for the startup banner.
func BoardCode() string {
	raw, err := os.ReadFile(deviceTreePath)
	if err == nil {
		model := strings.ToLower(strings.TrimRight(string(raw), "\x00\n"))
		switch {
		case strings.Contains(model, "raspberry pi zero"):
			return "PIZ"
		case strings.Contains(model, "raspberry pi"):
			return "PI"
		case strings.Contains(model, "rock"):
			return "ROCK"
		}
	}

	return strings.ToUpper(runtime.GOARCH)
}
