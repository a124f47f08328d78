package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/kart-io/devserver/pkg/errors"
)

// Lookup reads one environment variable.
type Lookup func(key string) (string, bool)

// Environment variable names read by EnvValues.
const (
	EnvHost          = "DEVSERVER_HOST"
	EnvPort          = "DEVSERVER_PORT"
	EnvEnvironment   = "DEVSERVER_ENV"
	EnvLegacyEnv     = "APP_ENV"
	EnvCodeReloading = "DEVSERVER_CODE_RELOADING"
	EnvBackend       = "DEVSERVER_BACKEND"
	EnvLogEnabled    = "DEVSERVER_LOGGER_ENABLED"
	EnvLogLevel      = "DEVSERVER_LOGGER_LEVEL"
	EnvLogStream     = "DEVSERVER_LOGGER_STREAM"
	EnvProject       = "DEVSERVER_PROJECT"
	EnvDatabaseURL   = "DATABASE_URL"
)

// Flag names read by FlagValues.
const (
	FlagHost          = "host"
	FlagPort          = "port"
	FlagEnvironment   = "environment"
	FlagCodeReloading = "code-reloading"
	FlagNoReloading   = "no-code-reloading"
	FlagBackend       = "backend"
	FlagLogEnabled    = "logger.enabled"
	FlagLogLevel      = "logger.level"
	FlagLogStream     = "logger.stream"
	FlagDatabaseURL   = "database-url"
	FlagProject       = "project.name"
)

// FlagValues returns the flags the user set explicitly. Defaults registered
// on the flag set are ignored; they belong to the default layer.
func FlagValues(fs *pflag.FlagSet) (Values, error) {
	var (
		v   Values
		err error
	)
	changed := func(name string) bool {
		f := fs.Lookup(name)
		return f != nil && f.Changed
	}
	str := func(name string) *string {
		if !changed(name) {
			return nil
		}
		s, e := fs.GetString(name)
		if e != nil && err == nil {
			err = e
		}
		return &s
	}
	boolean := func(name string) *bool {
		if !changed(name) {
			return nil
		}
		b, e := fs.GetBool(name)
		if e != nil && err == nil {
			err = e
		}
		return &b
	}

	v.Host = str(FlagHost)
	v.Environment = str(FlagEnvironment)
	v.Backend = str(FlagBackend)
	v.LogEnabled = boolean(FlagLogEnabled)
	v.LogLevel = str(FlagLogLevel)
	v.LogPath = str(FlagLogStream)
	v.DatabaseURL = str(FlagDatabaseURL)
	v.Project = str(FlagProject)
	v.CodeReloading = boolean(FlagCodeReloading)
	if off := boolean(FlagNoReloading); off != nil && *off {
		v.CodeReloading = ptr(false)
	}
	if changed(FlagPort) {
		p, e := fs.GetInt(FlagPort)
		if e != nil && err == nil {
			err = e
		}
		v.Port = &p
	}

	if err != nil {
		return Values{}, errors.ErrConfig.WithCause(err)
	}
	if v.LogEnabled == nil && (v.LogPath != nil || v.LogLevel != nil) {
		v.LogEnabled = ptr(true)
	}
	return v, nil
}

// EnvValues reads the environment layer.
func EnvValues(lookup Lookup) (Values, error) {
	var v Values
	str := func(key string) *string {
		if s, ok := lookup(key); ok {
			return &s
		}
		return nil
	}

	v.Host = str(EnvHost)
	v.Environment = str(EnvEnvironment)
	if v.Environment == nil {
		v.Environment = str(EnvLegacyEnv)
	}
	v.Backend = str(EnvBackend)
	v.LogLevel = str(EnvLogLevel)
	v.LogPath = str(EnvLogStream)
	v.Project = str(EnvProject)
	v.DatabaseURL = str(EnvDatabaseURL)

	if s := str(EnvPort); s != nil {
		port := 0
		if strings.TrimSpace(*s) != "" {
			p, err := strconv.Atoi(strings.TrimSpace(*s))
			if err != nil {
				return Values{}, errors.ErrConfig.WithMessagef("%s: invalid port %q", EnvPort, *s)
			}
			port = p
		}
		v.Port = &port
	}
	for key, dst := range map[string]**bool{
		EnvCodeReloading: &v.CodeReloading,
		EnvLogEnabled:    &v.LogEnabled,
	} {
		s := str(key)
		if s == nil {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(*s))
		if err != nil {
			return Values{}, errors.ErrConfig.WithMessagef("%s: invalid boolean %q", key, *s)
		}
		*dst = &b
	}
	// A destination or level alone turns request logging on.
	if v.LogEnabled == nil && (v.LogPath != nil || v.LogLevel != nil) {
		v.LogEnabled = ptr(true)
	}
	return v, nil
}

// EnvFiles layers the project's dotenv files under base. Variables already
// present in base always win, then .env.<environment>, then .env.
// The process environment is never modified.
func EnvFiles(root string, env Environment, base Lookup) (Lookup, error) {
	merged := map[string]string{}
	for _, name := range []string{".env", ".env." + string(env)} {
		path := filepath.Join(root, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		values, err := gotenv.Read(path)
		if err != nil {
			return nil, errors.ErrConfig.WithCause(fmt.Errorf("read %s: %w", name, err))
		}
		for k, val := range values {
			merged[k] = val
		}
	}

	return func(key string) (string, bool) {
		if s, ok := base(key); ok {
			return s, true
		}
		s, ok := merged[key]
		return s, ok
	}, nil
}

// envPattern matches ${VAR} or $VAR.
var envPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// LoadFile reads the project configuration file layer. A missing file yields
// an empty layer. ${VAR} references in string values are expanded with lookup.
//
// Recognized keys:
//
//	project: bookshelf
//	database_url: sqlite://db/bookshelf.sqlite
//	server:
//	  host: localhost
//	  port: 2300
//	  environment: development
//	  backend: default
//	  code_reloading: true
//	logger:
//	  level: debug
//	  stream: log/development.log
//
// The presence of the logger section enables request logging unless it sets
// enabled: false.
func LoadFile(path string, lookup Lookup) (Values, error) {
	var v Values
	if path == "" {
		return v, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return v, nil
	}

	vp := viper.New()
	vp.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		vp.SetConfigType("yaml")
	}
	if err := vp.ReadInConfig(); err != nil {
		return v, errors.ErrConfig.WithCause(fmt.Errorf("read %s: %w", path, err))
	}

	str := func(key string) *string {
		if !vp.IsSet(key) {
			return nil
		}
		s := expand(vp.GetString(key), lookup)
		return &s
	}
	boolean := func(key string) *bool {
		if !vp.IsSet(key) {
			return nil
		}
		b := vp.GetBool(key)
		return &b
	}

	v.Host = str("server.host")
	v.Environment = str("server.environment")
	v.Backend = str("server.backend")
	v.CodeReloading = boolean("server.code_reloading")
	v.Project = str("project")
	v.DatabaseURL = str("database_url")
	if vp.IsSet("server.port") {
		s := strings.TrimSpace(expand(vp.GetString("server.port"), lookup))
		p := 0
		if s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return Values{}, errors.ErrConfig.WithMessagef("server.port: invalid port %q", s)
			}
			p = n
		}
		v.Port = &p
	}

	if vp.IsSet("logger") {
		v.LogEnabled = ptr(true)
		if b := boolean("logger.enabled"); b != nil {
			v.LogEnabled = b
		}
		v.LogLevel = str("logger.level")
		v.LogPath = str("logger.stream")
	}
	return v, nil
}

func expand(s string, lookup Lookup) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if val, ok := lookup(name); ok && val != "" {
			return val
		}
		return match
	})
}
