// Package config loads the pg_autoctl INI configuration file (spec.md
// §6) into a typed Config, the way the retrieved pack's own services
// bind viper to a destination struct: one traversal fills defaults,
// validates required fields, and (via fsnotify, wired in by viper's
// WatchConfig) delivers live reload notifications on a channel, which
// cmd/pgautoctl's run hands to the keeper.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Role is the top-level role a pg_autoctl process runs under.
type Role string

const (
	RoleMonitor Role = "monitor"
	RoleKeeper  Role = "keeper"
)

// HBALevel controls how aggressively the keeper widens pg_hba.conf
// when adding replication rules for peers (out of core scope beyond
// the level name itself — the HBA file mechanics live behind pkg/hba).
type HBALevel string

const (
	HBAMinimal HBALevel = "minimal"
	HBANetwork HBALevel = "network"
	HBALan     HBALevel = "lan"
	HBAApp     HBALevel = "app"
)

// Config is the typed destination for the [pg_autoctl]/[postgresql]/
// [ssl]/[replication]/[timeout] INI sections of spec.md §6.
type Config struct {
	PgAutoctl struct {
		Role      Role
		Monitor   string
		Formation string
		Group     int
		Name      string
		Hostname  string
		NodeKind  string
	}

	Postgresql struct {
		PgData          string
		PgCtl           string
		Username        string
		DBName          string
		Host            string
		Port            int
		ListenAddresses string
		AuthMethod      string
		HBALevel        HBALevel
	}

	SSL struct {
		Active  bool
		SSLMode string
		CAFile  string
		CRLFile string
		Cert    string
		Key     string
	}

	Replication struct {
		Password            string
		MaximumBackupRate   string
		BackupDirectory     string
	}

	Timeout struct {
		NetworkPartition              int
		PreparePromotionCatchup       int
		PreparePromotionWalreceiver   int
		PostgresRestartFailure        int
		PostgresRestartFailureRetries int
		ListenNotifications           int
	}
}

// Defaults matches the timeout defaults named throughout spec.md §4.3
// and §4.5 (network_partition_timeout=20s, etc).
func Defaults() *Config {
	c := &Config{}
	c.Postgresql.HBALevel = HBANetwork
	c.Postgresql.Port = 5432
	c.Timeout.NetworkPartition = 20
	c.Timeout.PreparePromotionCatchup = 30
	c.Timeout.PreparePromotionWalreceiver = 5
	c.Timeout.PostgresRestartFailure = 20
	c.Timeout.PostgresRestartFailureRetries = 3
	c.Timeout.ListenNotifications = 60
	return c
}

// Path returns the XDG-conventional config file path for a given
// absolute PGDATA directory, per spec.md §6.
func Path(pgdata string) (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve config home: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	abs, err := filepath.Abs(pgdata)
	if err != nil {
		return "", fmt.Errorf("resolve pgdata: %w", err)
	}
	return filepath.Join(base, "pg_autoctl", abs, "pg_autoctl.cfg"), nil
}

// Load reads and validates the INI file at path, applying Defaults
// first so every key is defined even if absent from the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	cfg := Defaults()
	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// viper's INI codec flattens sections as "section.key"; decode
	// field-by-field rather than via mapstructure so the typed zero
	// values (Role, HBALevel, ...) come out right without custom hooks.
	out := Defaults()
	if err := decodeSections(v, out); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	if err := out.validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Save renders cfg as the INI file `create monitor`/`create postgres`
// drop at Path(pgdata), using the same section.key names decodeSections
// reads back — writing the file directly rather than through viper
// since the ini codec here is read-only.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var b []byte
	b = appendLine(b, "[pg_autoctl]")
	b = appendKV(b, "role", string(cfg.PgAutoctl.Role))
	b = appendKV(b, "monitor", cfg.PgAutoctl.Monitor)
	b = appendKV(b, "formation", cfg.PgAutoctl.Formation)
	b = appendKV(b, "group", fmt.Sprintf("%d", cfg.PgAutoctl.Group))
	b = appendKV(b, "name", cfg.PgAutoctl.Name)
	b = appendKV(b, "hostname", cfg.PgAutoctl.Hostname)
	b = appendKV(b, "nodekind", cfg.PgAutoctl.NodeKind)

	b = appendLine(b, "")
	b = appendLine(b, "[postgresql]")
	b = appendKV(b, "pgdata", cfg.Postgresql.PgData)
	b = appendKV(b, "pg_ctl", cfg.Postgresql.PgCtl)
	b = appendKV(b, "username", cfg.Postgresql.Username)
	b = appendKV(b, "dbname", cfg.Postgresql.DBName)
	b = appendKV(b, "host", cfg.Postgresql.Host)
	b = appendKV(b, "port", fmt.Sprintf("%d", cfg.Postgresql.Port))
	b = appendKV(b, "listen_addresses", cfg.Postgresql.ListenAddresses)
	b = appendKV(b, "auth_method", cfg.Postgresql.AuthMethod)
	b = appendKV(b, "hba_level", string(cfg.Postgresql.HBALevel))

	b = appendLine(b, "")
	b = appendLine(b, "[ssl]")
	b = appendKV(b, "active", fmt.Sprintf("%t", cfg.SSL.Active))
	b = appendKV(b, "sslmode", cfg.SSL.SSLMode)
	b = appendKV(b, "ca_file", cfg.SSL.CAFile)
	b = appendKV(b, "crl_file", cfg.SSL.CRLFile)
	b = appendKV(b, "cert_file", cfg.SSL.Cert)
	b = appendKV(b, "key_file", cfg.SSL.Key)

	b = appendLine(b, "")
	b = appendLine(b, "[replication]")
	b = appendKV(b, "password", cfg.Replication.Password)
	b = appendKV(b, "maximum_backup_rate", cfg.Replication.MaximumBackupRate)
	b = appendKV(b, "backup_directory", cfg.Replication.BackupDirectory)

	b = appendLine(b, "")
	b = appendLine(b, "[timeout]")
	b = appendKV(b, "network_partition_timeout", fmt.Sprintf("%d", cfg.Timeout.NetworkPartition))
	b = appendKV(b, "prepare_promotion_catchup", fmt.Sprintf("%d", cfg.Timeout.PreparePromotionCatchup))
	b = appendKV(b, "prepare_promotion_walreceiver", fmt.Sprintf("%d", cfg.Timeout.PreparePromotionWalreceiver))
	b = appendKV(b, "postgresql_restart_failure_timeout", fmt.Sprintf("%d", cfg.Timeout.PostgresRestartFailure))
	b = appendKV(b, "postgresql_restart_failure_max_retries", fmt.Sprintf("%d", cfg.Timeout.PostgresRestartFailureRetries))
	b = appendKV(b, "listen_notifications_timeout", fmt.Sprintf("%d", cfg.Timeout.ListenNotifications))

	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func appendLine(b []byte, line string) []byte {
	return append(append(b, line...), '\n')
}

func appendKV(b []byte, key, value string) []byte {
	return appendLine(b, fmt.Sprintf("%s = %s", key, value))
}

func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("postgresql.hba_level", string(cfg.Postgresql.HBALevel))
	v.SetDefault("postgresql.port", cfg.Postgresql.Port)
	v.SetDefault("timeout.network_partition_timeout", cfg.Timeout.NetworkPartition)
	v.SetDefault("timeout.prepare_promotion_catchup", cfg.Timeout.PreparePromotionCatchup)
	v.SetDefault("timeout.prepare_promotion_walreceiver", cfg.Timeout.PreparePromotionWalreceiver)
	v.SetDefault("timeout.postgresql_restart_failure_timeout", cfg.Timeout.PostgresRestartFailure)
	v.SetDefault("timeout.postgresql_restart_failure_max_retries", cfg.Timeout.PostgresRestartFailureRetries)
	v.SetDefault("timeout.listen_notifications_timeout", cfg.Timeout.ListenNotifications)
}

func decodeSections(v *viper.Viper, out *Config) error {
	out.PgAutoctl.Role = Role(v.GetString("pg_autoctl.role"))
	out.PgAutoctl.Monitor = v.GetString("pg_autoctl.monitor")
	out.PgAutoctl.Formation = v.GetString("pg_autoctl.formation")
	out.PgAutoctl.Group = v.GetInt("pg_autoctl.group")
	out.PgAutoctl.Name = v.GetString("pg_autoctl.name")
	out.PgAutoctl.Hostname = v.GetString("pg_autoctl.hostname")
	out.PgAutoctl.NodeKind = v.GetString("pg_autoctl.nodekind")

	out.Postgresql.PgData = v.GetString("postgresql.pgdata")
	out.Postgresql.PgCtl = v.GetString("postgresql.pg_ctl")
	out.Postgresql.Username = v.GetString("postgresql.username")
	out.Postgresql.DBName = v.GetString("postgresql.dbname")
	out.Postgresql.Host = v.GetString("postgresql.host")
	out.Postgresql.Port = v.GetInt("postgresql.port")
	out.Postgresql.ListenAddresses = v.GetString("postgresql.listen_addresses")
	out.Postgresql.AuthMethod = v.GetString("postgresql.auth_method")
	out.Postgresql.HBALevel = HBALevel(v.GetString("postgresql.hba_level"))

	out.SSL.Active = v.GetBool("ssl.active")
	out.SSL.SSLMode = v.GetString("ssl.sslmode")
	out.SSL.CAFile = v.GetString("ssl.ca_file")
	out.SSL.CRLFile = v.GetString("ssl.crl_file")
	out.SSL.Cert = v.GetString("ssl.cert_file")
	out.SSL.Key = v.GetString("ssl.key_file")

	out.Replication.Password = v.GetString("replication.password")
	out.Replication.MaximumBackupRate = v.GetString("replication.maximum_backup_rate")
	out.Replication.BackupDirectory = v.GetString("replication.backup_directory")

	out.Timeout.NetworkPartition = v.GetInt("timeout.network_partition_timeout")
	out.Timeout.PreparePromotionCatchup = v.GetInt("timeout.prepare_promotion_catchup")
	out.Timeout.PreparePromotionWalreceiver = v.GetInt("timeout.prepare_promotion_walreceiver")
	out.Timeout.PostgresRestartFailure = v.GetInt("timeout.postgresql_restart_failure_timeout")
	out.Timeout.PostgresRestartFailureRetries = v.GetInt("timeout.postgresql_restart_failure_max_retries")
	out.Timeout.ListenNotifications = v.GetInt("timeout.listen_notifications_timeout")
	return nil
}

func (c *Config) validate() error {
	switch c.PgAutoctl.Role {
	case RoleMonitor, RoleKeeper:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrBadConfig, c.PgAutoctl.Role)
	}
	if c.PgAutoctl.Role == RoleKeeper {
		if c.PgAutoctl.Monitor == "" {
			return fmt.Errorf("%w: keeper requires pg_autoctl.monitor", ErrBadConfig)
		}
		if c.Postgresql.PgData == "" {
			return fmt.Errorf("%w: keeper requires postgresql.pgdata", ErrBadConfig)
		}
	}
	return nil
}

// ErrBadConfig is returned for unparseable or semantically invalid
// configuration; cmd/pgautoctl maps it to exit code 13.
var ErrBadConfig = fmt.Errorf("bad configuration")

// Watcher wraps viper's fsnotify-backed WatchConfig to deliver a
// reload signal whenever the INI file changes on disk. Its channel is
// separate from SIGHUP, which pkg/supervisor handles on its own.
type Watcher struct {
	v        *viper.Viper
	reloadCh chan struct{}
}

// WatchFile starts watching path for changes and returns a Watcher
// whose Reload channel fires (non-blocking, coalesced) on each write.
func WatchFile(path string) (*Watcher, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	w := &Watcher{v: v, reloadCh: make(chan struct{}, 1)}
	v.OnConfigChange(func(in fsnotify.Event) {
		select {
		case w.reloadCh <- struct{}{}:
		default:
		}
	})
	v.WatchConfig()
	return w, nil
}

// Reload yields on every coalesced config-file change.
func (w *Watcher) Reload() <-chan struct{} {
	return w.reloadCh
}
