package statestore

import (
	"fmt"
	"os"
	"path/filepath"
)

// resolvePaths lays the four per-PGDATA files under
// $XDG_DATA_HOME/pg_autoctl/<abs pgdata>/, falling back to
// ~/.local/share when XDG_DATA_HOME is unset, mirroring
// pkg/config.Path's resolution under XDG_CONFIG_HOME.
func resolvePaths(pgdataAbs string) (Paths, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("resolve data home: %w", err)
		}
		base = filepath.Join(home, ".local", "share")
	}

	abs, err := filepath.Abs(pgdataAbs)
	if err != nil {
		return Paths{}, fmt.Errorf("resolve pgdata: %w", err)
	}

	dir := filepath.Join(base, "pg_autoctl", abs)
	return Paths{
		State:      filepath.Join(dir, "pg_autoctl.state"),
		Init:       filepath.Join(dir, "pg_autoctl.init"),
		Nodes:      filepath.Join(dir, "pg_autoctl.nodes"),
		PgExpected: filepath.Join(dir, "pg_autoctl.pg"),
	}, nil
}
