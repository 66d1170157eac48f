// Package config loads process configuration from the environment.
// No business logic should depend on raw environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

func (a AppConfig) IsProduction() bool {
	return a.Env == "production"
}

func (a AppConfig) validateEnv(errs []error) []error {
	if a.Env == "" {
		return append(errs, errors.New("APP_ENV is required"))
	}
	if !isValidEnv(a.Env) {
		return append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", a.Env))
	}
	return errs
}

func (d *DBConfig) validate(production bool, errs []error) []error {
	if d.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if !validPort(d.Port) {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if d.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if d.SSLMode == "" {
		if production {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			d.SSLMode = "disable"
		}
	}
	if d.SSLMode != "" && !isValidSSLMode(d.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", d.SSLMode))
	}
	return errs
}

// DSN must not be logged; it contains secrets.
func (d DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

func (r RedisConfig) validate(errs []error) []error {
	if r.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if !validPort(r.Port) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", r.Port))
	}
	return errs
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func (a *AuthConfig) validate(production bool, errs []error) []error {
	if a.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if production {
		if a.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if a.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if a.AccessTokenTTL <= 0 {
		a.AccessTokenTTL = 15 * time.Minute
	}
	return errs
}

func loadAuth(errs []error) (AuthConfig, []error) {
	a := AuthConfig{
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   strings.TrimSpace(os.Getenv("JWT_ISSUER")),
		JWTAudience: strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
	}
	a.AccessTokenTTL, errs = optDuration("JWT_ACCESS_TTL", errs)
	return a, errs
}

func loadDB(errs []error) (DBConfig, []error) {
	d := DBConfig{
		Host:     strings.TrimSpace(os.Getenv("DB_HOST")),
		User:     strings.TrimSpace(os.Getenv("DB_USER")),
		Password: os.Getenv("DB_PASSWORD"),
		Name:     strings.TrimSpace(os.Getenv("DB_NAME")),
		SSLMode:  strings.TrimSpace(os.Getenv("DB_SSLMODE")),
	}
	d.Port, errs = mustInt("DB_PORT", errs)
	return d, errs
}

func loadRedis(errs []error) (RedisConfig, []error) {
	r := RedisConfig{Host: strings.TrimSpace(os.Getenv("REDIS_HOST"))}
	r.Port, errs = mustInt("REDIS_PORT", errs)
	return r, errs
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func mustInt(key string, errs []error) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, append(errs, fmt.Errorf("%s is required", key))
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

// optInt returns 0 when key is unset.
func optInt(key string, errs []error) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

// optDuration returns 0 when key is unset; defaults are applied in Validate.
func optDuration(key string, errs []error) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func isValidRole(v string) bool {
	return v == "model" || v == "client"
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
