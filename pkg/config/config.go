// Package config loads the docsync yaml configuration. Every field has a default, so an empty or
// missing file is valid; command line flags override what is loaded here.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/astromechza/docsync/pkg/store"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Relay   Relay   `yaml:"relay"`
	Store   Store   `yaml:"store"`
	Session Session `yaml:"session"`
}

type Relay struct {
	Addr string `yaml:"addr"`
	// FlushInterval is the period at which changed documents are written to the store.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// SendBuffer is the number of outbound frames queued per session before it is dropped.
	SendBuffer int `yaml:"send_buffer"`
	// MDNS advertises the relay on the local network.
	MDNS bool `yaml:"mdns"`
}

type Store struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Session struct {
	Endpoint     string        `yaml:"endpoint"`
	SaveInterval time.Duration `yaml:"save_interval"`
	// LoadTimeout bounds the wait for the initial document. Negative waits forever.
	LoadTimeout time.Duration `yaml:"load_timeout"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			Addr:          "localhost:3001",
			FlushInterval: 5 * time.Second,
			SendBuffer:    256,
		},
		Store: Store{
			Driver: store.DriverSQLite,
			DSN:    "docsync.sqlite3",
		},
		Session: Session{
			Endpoint:     "ws://localhost:3001/socket",
			SaveInterval: 2000 * time.Millisecond,
			LoadTimeout:  10 * time.Second,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := Decode(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Decode overlays raw yaml onto cfg. Unknown keys are rejected.
func Decode(raw []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Relay.Addr == "" {
		errs = append(errs, errors.New("relay.addr is required"))
	}
	if c.Relay.FlushInterval <= 0 {
		errs = append(errs, errors.New("relay.flush_interval must be positive"))
	}
	if c.Relay.SendBuffer <= 0 {
		errs = append(errs, errors.New("relay.send_buffer must be positive"))
	}
	switch c.Store.Driver {
	case store.DriverMemory:
	case store.DriverSQLite, store.DriverBolt, store.DriverRedis, store.DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite, bolt, redis, postgres", c.Store.Driver))
	}
	if u, err := url.Parse(c.Session.Endpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("session.endpoint %q must be a ws:// or wss:// url", c.Session.Endpoint))
	}
	if c.Session.SaveInterval <= 0 {
		errs = append(errs, errors.New("session.save_interval must be positive"))
	}
	if c.Session.LoadTimeout == 0 {
		errs = append(errs, errors.New("session.load_timeout must be non-zero"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
