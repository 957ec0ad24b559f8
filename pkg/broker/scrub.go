package broker

import (
	"fmt"
	"log/slog"
	"os"
)

// ScrubEnv removes the named variables from this process's environment and
// verifies they are gone. Called once after the broker handshake, before any
// handler runs; from then on the broker is the only holder of sensitive
// material.
func ScrubEnv(names []string) error {
	for _, name := range names {
		if err := os.Unsetenv(name); err != nil {
			return fmt.Errorf("unset %s: %w", name, err)
		}
	}
	for _, name := range names {
		if _, present := os.LookupEnv(name); present {
			return fmt.Errorf("%s still present after scrub", name)
		}
	}
	slog.Debug("Scrubbed sensitive environment variables", "count", len(names))
	return nil
}
