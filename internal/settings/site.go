package settings

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"convsync/internal/constants"
	"convsync/internal/events"
	"convsync/internal/platform"
	"convsync/internal/visit"
	apperrors "convsync/pkg/errors"
)

type EventIDSource string

const (
	EventIDFromEventName       EventIDSource = "event_name"
	EventIDFromCustomDimension EventIDSource = "custom_dimension"
)

// DimensionConfig maps semantic field names to custom dimension indices.
type DimensionConfig struct {
	Visit            map[string]int
	Action           map[string]int
	PhoneCountryCode string
}

type ConsentConfig struct {
	// CookieDimension is the visit dimension holding the consent cookie; zero when unset.
	CookieDimension int
	Services        map[platform.Platform]string
}

// Service returns the consent service name configured for p.
func (c ConsentConfig) Service(p platform.Platform) string {
	if name := c.Services[p]; name != "" {
		return name
	}
	return constants.DefaultConsentService
}

type EventIDConfig struct {
	Source    EventIDSource
	Dimension int
}

// SiteConfig is the typed, per-site configuration assembled once at the start of a run and
// passed to every stage.
type SiteConfig struct {
	SiteID   int
	Timezone *time.Location
	// TimezoneSet is false when Timezone is the UTC default rather than a configured value.
	TimezoneSet bool
	Currency    string
	Dimensions  DimensionConfig
	Consent     ConsentConfig
	Categories  map[events.Type]string
	EventID     EventIDConfig
	Meta        MetaConfig
	Google      GoogleConfig
	LinkedIn    LinkedInConfig
	VisitFilter string
}

// Enabled reports whether syncing to p is switched on for the site.
func (c *SiteConfig) Enabled(p platform.Platform) bool {
	switch p {
	case platform.Meta:
		return c.Meta.Enabled
	case platform.Google:
		return c.Google.Enabled
	case platform.LinkedIn:
		return c.LinkedIn.Enabled
	}
	return false
}

// IsEnabled reports whether any platform is switched on.
func (c *SiteConfig) IsEnabled() bool {
	for _, p := range platform.All {
		if c.Enabled(p) {
			return true
		}
	}
	return false
}

// EventMapper builds the category and conversion action lookup for this site.
func (c *SiteConfig) EventMapper() *events.Mapper {
	return events.NewMapper(c.Categories, map[platform.Platform]map[events.Type]string{
		platform.Google:   c.Google.ConversionActions,
		platform.LinkedIn: c.LinkedIn.Conversions,
	})
}

// Build turns the raw settings of a site into a SiteConfig. Malformed dimension indices,
// event id settings or timezones fail the whole site; platform credentials are checked
// later by each platform's Validate.
func Build(siteID int, values Values) (*SiteConfig, error) {
	cfg := &SiteConfig{
		SiteID:      siteID,
		Currency:    strings.ToUpper(values.String("currency", constants.DefaultCurrency)),
		Categories:  make(map[events.Type]string, len(events.CategoryTypes)),
		VisitFilter: values.Get("visit_filter"),
	}

	tz := values.String("timezone", constants.DefaultTimezone)
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, invalidSetting(siteID, "timezone", err)
	}
	cfg.Timezone = loc
	cfg.TimezoneSet = values.Get("timezone") != ""

	if cfg.Dimensions, err = buildDimensions(values); err != nil {
		return nil, invalidSetting(siteID, "dimensions", err)
	}

	if cfg.Consent, err = buildConsent(values); err != nil {
		return nil, invalidSetting(siteID, "klaro_cookie_dimension", err)
	}

	for _, t := range events.CategoryTypes {
		cfg.Categories[t] = values.String("event_category_"+string(t), string(t))
	}

	if cfg.EventID, err = buildEventID(values); err != nil {
		return nil, invalidSetting(siteID, "event_id", err)
	}

	cfg.Meta = MetaConfig{
		Enabled:       values.Bool("meta_sync_visits"),
		PixelID:       values.Get("meta_pixel_id"),
		AccessToken:   values.Get("meta_access_token"),
		TestEventCode: values.Get("meta_test_event_code"),
		APIVersion:    values.String("meta_graph_api_version", constants.DefaultMetaGraphAPIVersion),
	}

	loginCustomerID := stripDashes(values.Get("google_ads_login_customer_id"))
	cfg.Google = GoogleConfig{
		Enabled:           values.Bool("google_sync_visits"),
		DeveloperToken:    values.Get("google_ads_developer_token"),
		ClientID:          values.Get("google_ads_client_id"),
		ClientSecret:      values.Get("google_ads_client_secret"),
		RefreshToken:      values.Get("google_ads_refresh_token"),
		CustomerID:        stripDashes(values.String("google_ads_customer_id", loginCustomerID)),
		LoginCustomerID:   loginCustomerID,
		APIVersion:        values.String("google_ads_api_version", constants.DefaultGoogleAdsAPIVersion),
		ConversionActions: conversionIDs(values, "google_conversion_action_"),
	}

	cfg.LinkedIn = LinkedInConfig{
		Enabled:      values.Bool("linkedin_sync_visits"),
		AccessToken:  values.Get("linkedin_access_token"),
		AdAccountURN: linkedInAccountURN(values.Get("linkedin_ad_account_id")),
		APIVersion:   values.String("linkedin_api_version", constants.DefaultLinkedInAPIVersion),
		Conversions:  conversionIDs(values, "linkedin_conversion_"),
	}

	return cfg, nil
}

func buildDimensions(values Values) (DimensionConfig, error) {
	dims := DimensionConfig{
		Visit:            make(map[string]int),
		Action:           make(map[string]int),
		PhoneCountryCode: values.String("format_phoneValueCountryCode", constants.DefaultPhoneCountryCode),
	}

	if code, err := strconv.Atoi(dims.PhoneCountryCode); err != nil || code < 1 || code > 999 {
		return dims, fmt.Errorf("format_phoneValueCountryCode must be a dialing code between 1 and 999, got %q", dims.PhoneCountryCode)
	}

	for _, name := range visit.SemanticFieldNames {
		index, err := values.Index("visit_dim_" + name)
		if err != nil {
			return dims, err
		}
		if index > 0 {
			dims.Visit[name] = index
		}

		index, err = values.Index("action_dim_" + name)
		if err != nil {
			return dims, err
		}
		if index > 0 {
			dims.Action[name] = index
		}
	}

	return dims, nil
}

func buildConsent(values Values) (ConsentConfig, error) {
	index, err := values.Index("klaro_cookie_dimension")
	if err != nil {
		return ConsentConfig{}, err
	}

	services := make(map[platform.Platform]string, len(platform.All))
	for _, p := range platform.All {
		if name := values.Get("consent_service_" + p.String()); name != "" {
			services[p] = name
		}
	}

	return ConsentConfig{CookieDimension: index, Services: services}, nil
}

func buildEventID(values Values) (EventIDConfig, error) {
	source := EventIDSource(values.String("event_id_source", string(EventIDFromEventName)))

	switch source {
	case EventIDFromEventName:
		return EventIDConfig{Source: source}, nil
	case EventIDFromCustomDimension:
		index, err := values.Index("event_id_custom_dimension")
		if err != nil {
			return EventIDConfig{}, err
		}
		return EventIDConfig{Source: source, Dimension: index}, nil
	default:
		return EventIDConfig{}, fmt.Errorf("event_id_source must be %q or %q, got %q", EventIDFromEventName, EventIDFromCustomDimension, source)
	}
}

func conversionIDs(values Values, prefix string) map[events.Type]string {
	ids := make(map[events.Type]string)
	for _, t := range events.ConversionTypes {
		if id := values.Get(prefix + string(t)); id != "" {
			ids[t] = id
		}
	}
	return ids
}

func invalidSetting(siteID int, field string, err error) error {
	return apperrors.ErrValidation.
		WithCause(err).
		WithDetail("site_id", siteID).
		WithDetail("field", field).
		WithMessage("invalid settings for site %d: %s", siteID, field)
}
