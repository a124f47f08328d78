package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/kart-io/devserver/pkg/errors"
)

// Values is one configuration layer. A nil field was not provided by the
// layer; a non-nil field always wins over lower layers, even when empty.
type Values struct {
	Host          *string
	Port          *int
	Environment   *string
	CodeReloading *bool
	Backend       *string
	LogEnabled    *bool
	LogLevel      *string
	LogPath       *string
	Project       *string
	DatabaseURL   *string
}

// Inputs holds every layer consumed by Resolve.
type Inputs struct {
	Flags    Values
	Env      Values
	File     Values
	Defaults Values
}

// DefaultValues returns the built-in defaults.
func DefaultValues() Values {
	return Values{
		Host:          ptr("localhost"),
		Port:          ptr(2300),
		Environment:   ptr(string(Development)),
		CodeReloading: ptr(true),
		Backend:       ptr(string(BackendDefault)),
		LogEnabled:    ptr(false),
		LogLevel:      ptr(string(LevelInfo)),
	}
}

// candidate is the merged, not yet validated configuration.
type candidate struct {
	Host        string `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port        int    `json:"port" validate:"required,min=1,max=65535"`
	Environment string `json:"environment" validate:"required"`
	Backend     string `json:"backend" validate:"required,oneof=default alternate-a alternate-b"`
	LogEnabled  bool   `json:"-"`
	LogLevel    string `json:"-"`
}

var (
	// validate is the singleton validator instance.
	validate = validator.New()
	// trans renders validation failures as English sentences.
	trans ut.Translator
)

func init() {
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return strings.ToLower(fld.Name)
		}
		return name
	})

	locale := en.New()
	trans, _ = ut.New(locale, locale).GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		panic(err)
	}
}

// Resolve merges the layers in precedence order and validates the result.
// Every failure is an errors.ErrConfig (or ErrConfigMissing) so callers can
// exit before any socket is bound.
func Resolve(in Inputs) (*ServerConfig, error) {
	layers := []Values{in.Flags, in.Env, in.File, in.Defaults}

	c := candidate{
		Host:        pick(layers, func(v Values) *string { return v.Host }),
		Port:        pick(layers, func(v Values) *int { return v.Port }),
		Environment: string(ParseEnvironment(pick(layers, func(v Values) *string { return v.Environment }))),
		LogEnabled:  pick(layers, func(v Values) *bool { return v.LogEnabled }),
		LogLevel:    string(ParseLogLevel(pick(layers, func(v Values) *string { return v.LogLevel }))),
	}

	backend := pick(layers, func(v Values) *string { return v.Backend })
	if kind, ok := ParseBackendKind(backend); ok {
		c.Backend = string(kind)
	} else if backend != "" {
		return nil, errors.ErrBackendUnknown.WithMessagef("unknown backend %q", backend)
	}

	if err := validate.Struct(&c); err != nil {
		return nil, formatValidationError(err)
	}
	if err := validateCustomRules(&c); err != nil {
		return nil, err
	}

	cfg := &ServerConfig{
		host:          c.Host,
		port:          c.Port,
		environment:   Environment(c.Environment),
		codeReloading: pick(layers, func(v Values) *bool { return v.CodeReloading }),
		backend:       BackendKind(c.Backend),
		project:       pick(layers, func(v Values) *string { return v.Project }),
		databaseURL:   pick(layers, func(v Values) *string { return v.DatabaseURL }),
	}
	if c.LogEnabled {
		cfg.logging = LoggingConfig{
			enabled:  true,
			level:    LogLevel(c.LogLevel),
			sinkPath: pick(layers, func(v Values) *string { return v.LogPath }),
		}
	}
	return cfg, nil
}

// EnvironmentOf returns the environment the layers select, without
// validating anything else. It decides which dotenv files to read before the
// full resolution.
func EnvironmentOf(in Inputs) Environment {
	layers := []Values{in.Flags, in.Env, in.File, in.Defaults}
	return ParseEnvironment(pick(layers, func(v Values) *string { return v.Environment }))
}

// pick returns the value of the highest layer that provides the field.
func pick[T any](layers []Values, get func(Values) *T) T {
	for _, l := range layers {
		if p := get(l); p != nil {
			return *p
		}
	}
	var zero T
	return zero
}

// validateCustomRules performs validation that depends on other fields.
func validateCustomRules(c *candidate) error {
	if !c.LogEnabled {
		return nil
	}
	if c.LogLevel == "" {
		return errors.ErrConfigMissing.WithMessage("log level is required when logging is enabled")
	}
	if _, ok := levelRank[LogLevel(c.LogLevel)]; !ok {
		return errors.ErrConfig.WithMessagef("unknown log level %q", c.LogLevel)
	}
	return nil
}

// formatValidationError converts validator errors into config errors.
func formatValidationError(err error) error {
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok || len(validationErrs) == 0 {
		return errors.ErrConfig.WithCause(err)
	}

	e := validationErrs[0]
	if e.Tag() == "required" {
		return errors.ErrConfigMissing.WithMessagef("%s is required", e.Field())
	}
	// Tags without a translation, such as alternations, render as the raw
	// validator error.
	msg := e.Translate(trans)
	if strings.HasPrefix(msg, "Key: ") {
		msg = fmt.Sprintf("%s: invalid value %v", e.Field(), e.Value())
	}
	return errors.ErrConfig.WithMessage(msg)
}

func ptr[T any](v T) *T { return &v }
