package battery

import (
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/howlx/atmosd/internal/logger"
)

// Overridable for tests.
var powerSupplyRoot = "/sys/class/power_supply"

// USBPresent reports whether external power is present. Strategies in
// decreasing reliability: a USB-class supply's online flag, then any mains
// supply's online flag. nil means no supply exposed the information; charge
// inference then falls back to trend evidence alone.
func USBPresent() *bool {
	entries, err := os.ReadDir(powerSupplyRoot)
	if err != nil {
		return nil
	}

	known := false
	for _, wantKind := range []string{"USB", "Mains"} {
		for _, e := range entries {
			dir := filepath.Join(powerSupplyRoot, e.Name())

			kind, err := os.ReadFile(filepath.Join(dir, "type"))
			if err != nil || strings.TrimSpace(string(kind)) != wantKind {
				continue
			}

			online, err := os.ReadFile(filepath.Join(dir, "online"))
			if err != nil {
				continue
			}
			known = true
			if strings.TrimSpace(string(online)) == "1" {
				t := true
				logger.Debug().Str("supply", e.Name()).Msg("external power present")
				return &t
			}
		}
	}

	if known {
		f := false
		return &f
	}

	return nil
}
