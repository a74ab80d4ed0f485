package settings

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"convsync/internal/events"
	"convsync/internal/platform"
	apperrors "convsync/pkg/errors"
)

const linkedInAccountURNPrefix = "urn:li:sponsoredAccount:"

type MetaConfig struct {
	Enabled       bool
	PixelID       string `validate:"required,numeric" label:"Pixel ID"`
	AccessToken   string `validate:"required" label:"Access Token"`
	TestEventCode string
	APIVersion    string `validate:"required" label:"Graph API Version"`
}

func (c MetaConfig) Validate() error {
	return validatePlatform(platform.Meta, c)
}

type GoogleConfig struct {
	Enabled         bool
	DeveloperToken  string `validate:"required" label:"Developer Token"`
	ClientID        string `validate:"required" label:"Client ID"`
	ClientSecret    string `validate:"required" label:"Client Secret"`
	RefreshToken    string `validate:"required" label:"Refresh Token"`
	CustomerID      string `validate:"required,numeric" label:"Customer ID"`
	LoginCustomerID string `validate:"omitempty,numeric" label:"Login Customer ID"`
	APIVersion      string `validate:"required" label:"API Version"`
	// ConversionActions holds the numeric conversion action id per canonical type.
	ConversionActions map[events.Type]string
}

func (c GoogleConfig) Validate() error {
	return validatePlatform(platform.Google, c)
}

type LinkedInConfig struct {
	Enabled      bool
	AccessToken  string `validate:"required" label:"Access Token"`
	AdAccountURN string `validate:"required,startswith=urn:li:sponsoredAccount:" label:"Ad Account ID"`
	APIVersion   string `validate:"required" label:"API Version"`
	// Conversions holds the conversion rule id per canonical type.
	Conversions map[events.Type]string
}

func (c LinkedInConfig) Validate() error {
	return validatePlatform(platform.LinkedIn, c)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		if label := field.Tag.Get("label"); label != "" {
			return label
		}
		return field.Name
	})
	return v
}

// validatePlatform reports absent credentials as MissingConfiguration and malformed ones as
// a validation error, both naming the platform.
func validatePlatform(p platform.Platform, cfg interface{}) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.ErrValidation.WithCause(err).WithDetail("platform", p.String())
	}

	var missing, invalid []string
	for _, fe := range fieldErrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
			continue
		}
		invalid = append(invalid, fe.Field())
	}

	if len(missing) > 0 {
		return apperrors.MissingConfiguration(p.DisplayName(), missing...)
	}

	return apperrors.ErrValidation.
		WithDetail("platform", p.String()).
		WithDetail("invalid_fields", invalid).
		WithMessage("%s has invalid configuration: %s", p.DisplayName(), strings.Join(invalid, ", "))
}

// linkedInAccountURN accepts either a full sponsored account URN or the bare account number.
func linkedInAccountURN(value string) string {
	if value == "" || strings.HasPrefix(value, "urn:") {
		return value
	}
	return linkedInAccountURNPrefix + value
}

func stripDashes(value string) string {
	return strings.ReplaceAll(value, "-", "")
}
