package framework

import (
	"fmt"
	"os"

	"github.com/cuemby/pgautofailover/pkg/monitorclient"
)

// DialMonitor opens a plaintext monitorclient.Client against addr,
// for tests that talk to the monitor directly rather than through a
// pg_autoctl subprocess.
func DialMonitor(addr string) (*monitorclient.Client, error) {
	client, err := monitorclient.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial monitor %s: %w", addr, err)
	}
	return client, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
