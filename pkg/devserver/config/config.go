// Package config resolves the immutable server configuration for one run.
//
// Values come from four layers which are merged field by field, highest
// precedence first:
//
//	explicit CLI flag > environment variable > project config file > default
//
// Resolve never touches the filesystem or the network; the layers are read
// beforehand by FlagValues, EnvValues and LoadFile.
package config

import (
	"net"
	"strconv"
	"strings"
)

// Environment is the name of the runtime environment. Any name other than
// the three well known ones is a custom environment.
type Environment string

// Well known environments.
const (
	Development Environment = "development"
	Test        Environment = "test"
	Production  Environment = "production"
)

// ParseEnvironment normalizes an environment name.
func ParseEnvironment(name string) Environment {
	return Environment(strings.ToLower(strings.TrimSpace(name)))
}

// IsCustom reports whether e is not one of the well known environments.
func (e Environment) IsCustom() bool {
	switch e {
	case Development, Test, Production:
		return false
	}
	return true
}

func (e Environment) String() string { return string(e) }

// BackendKind selects the engine that serves the application.
type BackendKind string

// Supported backend kinds.
const (
	// BackendDefault is the embedded gin engine.
	BackendDefault BackendKind = "default"
	// BackendAlternateA is the embedded echo engine.
	BackendAlternateA BackendKind = "alternate-a"
	// BackendAlternateB runs the application in a child worker process.
	BackendAlternateB BackendKind = "alternate-b"
)

var backendAliases = map[string]BackendKind{
	"default":     BackendDefault,
	"gin":         BackendDefault,
	"alternate-a": BackendAlternateA,
	"echo":        BackendAlternateA,
	"alternate-b": BackendAlternateB,
	"worker":      BackendAlternateB,
}

// ParseBackendKind maps a kind or one of its aliases to a BackendKind.
func ParseBackendKind(s string) (BackendKind, bool) {
	kind, ok := backendAliases[strings.ToLower(strings.TrimSpace(s))]
	return kind, ok
}

// LogLevel is the request log threshold.
type LogLevel string

// Log levels, lowest first.
const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLogLevel normalizes a level name. "warning" is accepted for warn.
func ParseLogLevel(s string) LogLevel {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if l == "warning" {
		return LevelWarn
	}
	return l
}

// Enables reports whether a record at level other passes threshold l.
func (l LogLevel) Enables(other LogLevel) bool {
	return levelRank[other] >= levelRank[l]
}

// Tag returns the upper-case form used in log lines.
func (l LogLevel) Tag() string {
	return strings.ToUpper(string(l))
}

// LoggingConfig configures the request log sink.
type LoggingConfig struct {
	enabled  bool
	level    LogLevel
	sinkPath string
}

// NewLoggingConfig builds a LoggingConfig. It is mostly useful in tests.
func NewLoggingConfig(enabled bool, level LogLevel, sinkPath string) LoggingConfig {
	return LoggingConfig{enabled: enabled, level: level, sinkPath: sinkPath}
}

// Enabled reports whether requests are logged at all.
func (l LoggingConfig) Enabled() bool { return l.enabled }

// Level is the threshold below which records are dropped.
func (l LoggingConfig) Level() LogLevel { return l.level }

// SinkPath is the destination file. Empty means standard output.
func (l LoggingConfig) SinkPath() string { return l.sinkPath }

// ServerConfig is the resolved configuration of one server run.
// It is never mutated after Resolve returns it.
type ServerConfig struct {
	host          string
	port          int
	environment   Environment
	codeReloading bool
	backend       BackendKind
	logging       LoggingConfig
	project       string
	databaseURL   string
}

// Host is the interface to bind.
func (c *ServerConfig) Host() string { return c.host }

// Port is the TCP port to bind.
func (c *ServerConfig) Port() int { return c.port }

// Addr returns host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Environment is the runtime environment name.
func (c *ServerConfig) Environment() Environment { return c.environment }

// CodeReloading reports whether source changes are applied to the running server.
func (c *ServerConfig) CodeReloading() bool { return c.codeReloading }

// Backend is the selected engine kind.
func (c *ServerConfig) Backend() BackendKind { return c.backend }

// Logging is the request log configuration.
func (c *ServerConfig) Logging() LoggingConfig { return c.logging }

// Project is the project name used to tag request log lines.
func (c *ServerConfig) Project() string { return c.project }

// DatabaseURL is the project database location, empty when none is configured.
func (c *ServerConfig) DatabaseURL() string { return c.databaseURL }

// WithoutCodeReloading returns a copy with code reloading turned off.
// Worker processes use it; the supervising process owns reloading.
func (c *ServerConfig) WithoutCodeReloading() *ServerConfig {
	cp := *c
	cp.codeReloading = false
	return &cp
}
