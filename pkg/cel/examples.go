package cel

// FilterExpressionExamples are visit_filter settings known to compile against the visit
// environment. They double as documentation for site administrators.
var FilterExpressionExamples = map[string]string{
	"has_email":           `has(fields.emailValue) && fields.emailValue != ""`,
	"country_is":          `visit.countryCode == "nl"`,
	"country_in":          `visit.countryCode in ["nl", "be", "de"]`,
	"not_internal_ip":     `!string(visit.visitIp).startsWith("10.")`,
	"returning_visitor":   `visit.visitorType == "returning"`,
	"has_actions":         `size(visit.actionDetails) > 0`,
	"min_duration":        `double(visit.visitDuration) >= 10.0`,
	"single_site":         `site_id == 1`,
	"email_domain":        `has(fields.emailValue) && !fields.emailValue.endsWith("@example.com")`,
	"combined_conditions": `visit.countryCode == "nl" && has(fields.phoneValue)`,
}
