// Package dispatcher is a sketch of the request-handling daemon around a
// kv.DB: a getty-based TCP listener that decodes a small framed request
// protocol and executes it against the store, one transaction per request
// (§6.2's request queue model). It is explicitly out of scope for a full
// implementation — no connection pooling, no pipelining, no auth — just
// enough to compile and be exercised end to end by a test.
package dispatcher

import (
	"time"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"
)

// ListenerConfig is the daemon's own small listener config, loaded from
// INI and distinct from the database's own TOML config.Config.
type ListenerConfig struct {
	BindAddress string
	Port        int

	MaxMsgLen       int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SessionCronSecs int
}

// DefaultListenerConfig is used when no INI file is supplied.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		BindAddress:     "127.0.0.1",
		Port:            7070,
		MaxMsgLen:       1 << 16,
		ReadTimeout:     time.Second,
		WriteTimeout:    5 * time.Second,
		SessionCronSecs: 10,
	}
}

// LoadListenerConfig reads a "[listener]" section from an INI file,
// mirroring the teacher's conf.Cfg.Load / parseMysqldCfg pattern, scaled
// down to the handful of knobs this sketch actually needs.
func LoadListenerConfig(path string) (ListenerConfig, error) {
	cfg := DefaultListenerConfig()

	raw, err := ini.Load(path)
	if err != nil {
		return cfg, errors.Annotate(err, "dispatcher: load listener ini")
	}
	section := raw.Section("listener")

	if key, err := section.GetKey("bind_address"); err == nil {
		cfg.BindAddress = key.String()
	}
	if key, err := section.GetKey("port"); err == nil {
		if v, err := key.Int(); err == nil {
			cfg.Port = v
		}
	}
	if key, err := section.GetKey("max_msg_len"); err == nil {
		if v, err := key.Int(); err == nil {
			cfg.MaxMsgLen = v
		}
	}
	if key, err := section.GetKey("read_timeout"); err == nil {
		if v, err := key.Duration(); err == nil {
			cfg.ReadTimeout = v
		}
	}
	if key, err := section.GetKey("write_timeout"); err == nil {
		if v, err := key.Duration(); err == nil {
			cfg.WriteTimeout = v
		}
	}
	if key, err := section.GetKey("session_cron_secs"); err == nil {
		if v, err := key.Int(); err == nil {
			cfg.SessionCronSecs = v
		}
	}
	return cfg, nil
}
