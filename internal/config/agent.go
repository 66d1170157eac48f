package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	AutoAnswerAccept = "accept"
	AutoAnswerReject = "reject"
)

// Agent holds the configuration of one call-session agent.
type Agent struct {
	App     AppConfig
	Backend BackendConfig
	User    UserConfig
	// Auth is used to mint a development token when User.AccessToken is empty.
	Auth   AuthConfig
	Timing TimingConfig

	// CallTo, when set, places an outgoing call on start.
	CallTo string
	// AutoAnswer is accept, reject or empty (leave incoming calls ringing).
	AutoAnswer string
}

type BackendConfig struct {
	URL     string
	Timeout time.Duration
}

type UserConfig struct {
	ID          string
	Role        string
	AccessToken string
}

// TimingConfig overrides component defaults. Zero keeps the default.
type TimingConfig struct {
	PresenceInterval     time.Duration
	OutgoingPollInterval time.Duration
	OutgoingTimeout      time.Duration
	IncomingPollInterval time.Duration
	ReconcileInterval    time.Duration
	ReconcileMinGap      time.Duration
	ReconcileMaxFailures int
}

func LoadAgent() (Agent, error) {
	c := Agent{}
	var errs []error

	c.App.Env = env("APP_ENV", "")
	c.Backend.URL = env("BACKEND_URL", "")
	c.Backend.Timeout, errs = optDuration("HTTP_TIMEOUT", errs)

	c.User.ID = env("AGENT_USER_ID", "")
	c.User.Role = env("AGENT_ROLE", "")
	c.User.AccessToken = env("AGENT_ACCESS_TOKEN", "")
	if c.User.AccessToken == "" {
		c.Auth, errs = loadAuth(errs)
	}

	c.CallTo = env("AGENT_CALL_TO", "")
	c.AutoAnswer = env("AGENT_AUTO_ANSWER", "")

	t := &c.Timing
	t.PresenceInterval, errs = optDuration("PRESENCE_INTERVAL", errs)
	t.OutgoingPollInterval, errs = optDuration("OUTGOING_POLL_INTERVAL", errs)
	t.OutgoingTimeout, errs = optDuration("OUTGOING_TIMEOUT", errs)
	t.IncomingPollInterval, errs = optDuration("INCOMING_POLL_INTERVAL", errs)
	t.ReconcileInterval, errs = optDuration("RECONCILE_INTERVAL", errs)
	t.ReconcileMinGap, errs = optDuration("RECONCILE_MIN_GAP", errs)
	t.ReconcileMaxFailures, errs = optInt("RECONCILE_MAX_FAILURES", errs)

	if err := joinErrors(errs); err != nil {
		return Agent{}, err
	}
	if err := c.Validate(); err != nil {
		return Agent{}, err
	}
	return c, nil
}

// Validate checks c and fills defaults in place.
func (c *Agent) Validate() error {
	var errs []error

	errs = c.App.validateEnv(errs)

	if c.Backend.URL == "" {
		errs = append(errs, errors.New("BACKEND_URL is required"))
	} else if u, err := url.Parse(c.Backend.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("BACKEND_URL must be an absolute URL, got %q", c.Backend.URL))
	}
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = 10 * time.Second
	}

	if c.User.ID == "" {
		errs = append(errs, errors.New("AGENT_USER_ID is required"))
	}
	if !isValidRole(c.User.Role) {
		errs = append(errs, fmt.Errorf("AGENT_ROLE must be model or client, got %q", c.User.Role))
	}
	if c.User.AccessToken == "" {
		if c.App.IsProduction() {
			errs = append(errs, errors.New("AGENT_ACCESS_TOKEN is required in production"))
		} else {
			errs = c.Auth.validate(false, errs)
		}
	}

	switch c.AutoAnswer {
	case "", AutoAnswerAccept, AutoAnswerReject:
	default:
		errs = append(errs, fmt.Errorf("AGENT_AUTO_ANSWER must be accept, reject or empty, got %q", c.AutoAnswer))
	}
	if c.CallTo != "" && c.CallTo == c.User.ID {
		errs = append(errs, errors.New("AGENT_CALL_TO must differ from AGENT_USER_ID"))
	}

	t := c.Timing
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"PRESENCE_INTERVAL", t.PresenceInterval},
		{"OUTGOING_POLL_INTERVAL", t.OutgoingPollInterval},
		{"OUTGOING_TIMEOUT", t.OutgoingTimeout},
		{"INCOMING_POLL_INTERVAL", t.IncomingPollInterval},
		{"RECONCILE_INTERVAL", t.ReconcileInterval},
		{"RECONCILE_MIN_GAP", t.ReconcileMinGap},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}
	if t.ReconcileMaxFailures < 0 {
		errs = append(errs, errors.New("RECONCILE_MAX_FAILURES must not be negative"))
	}
	if t.ReconcileInterval > 0 && t.ReconcileMinGap > t.ReconcileInterval {
		errs = append(errs, errors.New("RECONCILE_MIN_GAP must not exceed RECONCILE_INTERVAL"))
	}

	return joinErrors(errs)
}
