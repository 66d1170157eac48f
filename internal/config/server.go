package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Server holds all configuration required by the call backend process.
type Server struct {
	App      AppConfig
	Store    StoreConfig
	DB       DBConfig
	Presence PresenceConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Calls    CallsConfig
}

type StoreConfig struct {
	// Driver is memory or postgres.
	Driver string
}

type PresenceConfig struct {
	// Driver is memory or redis.
	Driver string
	// TTL is how long a presence record counts as fresh.
	TTL time.Duration
}

type CallsConfig struct {
	// RingTimeout expires a call nobody answered.
	RingTimeout time.Duration
}

func LoadServer() (Server, error) {
	c := Server{}
	var errs []error

	c.App.Env = env("APP_ENV", "")
	c.App.Port, errs = mustInt("APP_PORT", errs)

	c.Store.Driver = env("STORE_DRIVER", DriverMemory)
	if c.Store.Driver == DriverPostgres {
		c.DB, errs = loadDB(errs)
	}

	c.Presence.Driver = env("PRESENCE_DRIVER", DriverMemory)
	c.Presence.TTL, errs = optDuration("PRESENCE_TTL", errs)
	if c.Presence.Driver == DriverRedis {
		c.Redis, errs = loadRedis(errs)
	}

	c.Auth, errs = loadAuth(errs)
	c.Calls.RingTimeout, errs = optDuration("CALL_RING_TIMEOUT", errs)

	if err := joinErrors(errs); err != nil {
		return Server{}, err
	}
	if err := c.Validate(); err != nil {
		return Server{}, err
	}
	return c, nil
}

// Validate checks c and fills defaults in place.
func (c *Server) Validate() error {
	var errs []error

	errs = c.App.validateEnv(errs)
	if !validPort(c.App.Port) {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	switch c.Store.Driver {
	case "", DriverMemory:
		c.Store.Driver = DriverMemory
	case DriverPostgres:
		errs = c.DB.validate(c.App.IsProduction(), errs)
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be memory or postgres, got %q", c.Store.Driver))
	}

	switch c.Presence.Driver {
	case "", DriverMemory:
		c.Presence.Driver = DriverMemory
	case DriverRedis:
		errs = c.Redis.validate(errs)
	default:
		errs = append(errs, fmt.Errorf("PRESENCE_DRIVER must be memory or redis, got %q", c.Presence.Driver))
	}
	if c.App.IsProduction() && (c.Store.Driver == DriverMemory || c.Presence.Driver == DriverMemory) {
		errs = append(errs, errors.New("memory drivers are not allowed in production"))
	}

	if c.Presence.TTL <= 0 {
		c.Presence.TTL = 60 * time.Second
	}
	if c.Calls.RingTimeout <= 0 {
		c.Calls.RingTimeout = 60 * time.Second
	}

	errs = c.Auth.validate(c.App.IsProduction(), errs)
	return joinErrors(errs)
}

func (c Server) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}
