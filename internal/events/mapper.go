package events

import "convsync/internal/platform"

// Type is a canonical conversion type shared by all platforms.
type Type string

const (
	Lead        Type = "lead"
	Account     Type = "account"
	Appointment Type = "appointment"
	Applicant   Type = "applicant"
	PageView    Type = "page_view"
	Purchase    Type = "purchase"
)

// CategoryTypes are the types a site maps its own event categories onto, in lookup order.
var CategoryTypes = []Type{Lead, Account, Appointment, Applicant}

// ConversionTypes are the types a platform conversion action can be configured for.
var ConversionTypes = []Type{Lead, Account, Appointment, Applicant, PageView, Purchase}

var standardNames = map[Type]map[platform.Platform]string{
	Lead: {
		platform.Google:   "generate_lead",
		platform.Meta:     "Lead",
		platform.LinkedIn: "Lead",
	},
	Account: {
		platform.Google:   "sign_up",
		platform.Meta:     "CompleteRegistration",
		platform.LinkedIn: "Registration",
	},
	Appointment: {
		platform.Google:   "schedule",
		platform.Meta:     "Schedule",
		platform.LinkedIn: "Appointment",
	},
	Applicant: {
		platform.Google:   "submit_application",
		platform.Meta:     "SubmitApplication",
		platform.LinkedIn: "JobApply",
	},
	PageView: {
		platform.Google: "page_view",
		platform.Meta:   "ViewContent",
	},
	Purchase: {
		platform.Google:   "purchase",
		platform.Meta:     "Purchase",
		platform.LinkedIn: "Purchase",
	},
}

// StandardName returns the platform's name for a canonical type.
func StandardName(t Type, p platform.Platform) (string, bool) {
	name, ok := standardNames[t][p]
	return name, ok
}

// Mapper resolves a site's free-text event categories to platform vocabulary.
type Mapper struct {
	categories map[string]Type
	actionIDs  map[platform.Platform]map[Type]string
}

// NewMapper builds a Mapper from the site's category name per type and the configured
// conversion action ids per platform. When two types share a category name the first in
// CategoryTypes wins.
func NewMapper(categories map[Type]string, actionIDs map[platform.Platform]map[Type]string) *Mapper {
	m := &Mapper{
		categories: make(map[string]Type, len(categories)),
		actionIDs:  make(map[platform.Platform]map[Type]string, len(actionIDs)),
	}

	for _, t := range CategoryTypes {
		name := categories[t]
		if name == "" {
			continue
		}
		if _, taken := m.categories[name]; !taken {
			m.categories[name] = t
		}
	}

	for p, ids := range actionIDs {
		copied := make(map[Type]string, len(ids))
		for t, id := range ids {
			if id != "" {
				copied[t] = id
			}
		}
		m.actionIDs[p] = copied
	}

	return m
}

// EventType resolves a site category by exact match.
func (m *Mapper) EventType(category string) (Type, bool) {
	t, ok := m.categories[category]
	return t, ok
}

// StandardEventName maps a site category to the platform's standard event name.
func (m *Mapper) StandardEventName(category string, p platform.Platform) (string, bool) {
	t, ok := m.EventType(category)
	if !ok {
		return "", false
	}
	return StandardName(t, p)
}

// ConversionActionID maps a site category to the conversion action configured for p.
func (m *Mapper) ConversionActionID(category string, p platform.Platform) (string, bool) {
	t, ok := m.EventType(category)
	if !ok {
		return "", false
	}
	return m.ActionID(t, p)
}

// ActionID returns the conversion action configured for a canonical type on p.
func (m *Mapper) ActionID(t Type, p platform.Platform) (string, bool) {
	id, ok := m.actionIDs[p][t]
	return id, ok
}
