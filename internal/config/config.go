// Package config builds the run configuration from environment variables.
package config

import (
	"encoding/base64"
	"eventbvt/internal/apperrors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Environment variable names.
const (
	EnvHostname             = "bvt_hostname"
	EnvUsername             = "bvt_username"
	EnvPassword             = "bvt_password"
	EnvInsecureSkipVerify   = "bvt_insecure_skip_verify"
	EnvWaitTimeout          = "bvt_wait_timeout"
	EnvRequestTimeout       = "bvt_request_timeout"
	EnvFailOnTransportError = "bvt_fail_on_transport_error"
	EnvJobFile              = "bvt_job_file"
	EnvTaskID               = "bvt_task_id"
	EnvPushgatewayURL       = "bvt_pushgateway_url"
	EnvLogLevel             = "bvt_log_level"
)

const (
	defaultWaitTimeout      = 30 * time.Second
	defaultRequestTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
)

// Credentials identify the cluster and the account used for every call of a run.
type Credentials struct {
	Hostname string
	Username string
	Password string
}

// AuthorizationHeader returns the HTTP Basic-Auth header value.
func (c Credentials) AuthorizationHeader() string {
	token := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	return "Basic " + token
}

// BaseURL returns the HTTPS root of the cluster API.
func (c Credentials) BaseURL() string {
	return "https://" + c.Hostname
}

// Config holds the configuration of one verification run.
type Config struct {
	Credentials          Credentials
	InsecureSkipVerify   bool          // Accept self-signed certificates (test clusters only)
	WaitTimeout          time.Duration // Hard deadline for the job to finish after submission
	RequestTimeout       time.Duration // Per-request REST timeout
	HandshakeTimeout     time.Duration // Push session connect deadline
	FailOnTransportError bool          // Abort the run on push-session faults
	JobFile              string        // Optional YAML job descriptor
	TaskID               int           // Task watched by the task verifier, 0 = any task of the job
	PushgatewayURL       string        // Optional Prometheus Pushgateway
	LogLevel             slog.Level
}

// LoadConfig reads and validates the configuration. A nil env reads the process environment.
// Missing or blank credentials yield a configuration error.
func LoadConfig(env Env) (*Config, error) {
	creds := Credentials{
		Hostname: env.Required(EnvHostname),
		Username: env.Required(EnvUsername),
		Password: env.Required(EnvPassword),
	}

	var missing []string
	for _, kv := range []struct{ key, value string }{
		{EnvHostname, creds.Hostname},
		{EnvUsername, creds.Username},
		{EnvPassword, creds.Password},
	} {
		if kv.value == "" {
			missing = append(missing, kv.key)
		}
	}
	if len(missing) > 0 {
		return nil, apperrors.Configuration(missing[0], fmt.Sprintf(
			"environment variables %s, %s and %s must be specified (missing: %s)",
			EnvHostname, EnvUsername, EnvPassword, strings.Join(missing, ", ")))
	}

	cfg := &Config{
		Credentials:      creds,
		HandshakeTimeout: defaultHandshakeTimeout,
		JobFile:          env.GetEnv(EnvJobFile, ""),
		PushgatewayURL:   env.GetEnv(EnvPushgatewayURL, ""),
	}

	var err error
	if cfg.InsecureSkipVerify, err = env.GetBoolEnv(EnvInsecureSkipVerify, false); err != nil {
		return nil, apperrors.Configuration(EnvInsecureSkipVerify, err.Error())
	}
	if cfg.WaitTimeout, err = env.GetDurationEnv(EnvWaitTimeout, defaultWaitTimeout); err != nil {
		return nil, apperrors.Configuration(EnvWaitTimeout, err.Error())
	}
	if cfg.RequestTimeout, err = env.GetDurationEnv(EnvRequestTimeout, defaultRequestTimeout); err != nil {
		return nil, apperrors.Configuration(EnvRequestTimeout, err.Error())
	}
	if cfg.FailOnTransportError, err = env.GetBoolEnv(EnvFailOnTransportError, false); err != nil {
		return nil, apperrors.Configuration(EnvFailOnTransportError, err.Error())
	}
	if cfg.TaskID, err = env.GetIntEnv(EnvTaskID, 0); err != nil {
		return nil, apperrors.Configuration(EnvTaskID, err.Error())
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(env.GetEnv(EnvLogLevel, "info"))); err != nil {
		return nil, apperrors.Configuration(EnvLogLevel, fmt.Sprintf("invalid %s: %v", EnvLogLevel, err))
	}
	if cfg.WaitTimeout <= 0 {
		return nil, apperrors.Configuration(EnvWaitTimeout, EnvWaitTimeout+" must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, apperrors.Configuration(EnvRequestTimeout, EnvRequestTimeout+" must be positive")
	}
	if cfg.TaskID < 0 {
		return nil, apperrors.Configuration(EnvTaskID, EnvTaskID+" must not be negative")
	}

	return cfg, nil
}
