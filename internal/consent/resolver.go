package consent

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"strconv"
	"strings"

	"convsync/internal/logger"
)

// DefaultKey holds the verdict of a cookie that carries a bare boolean.
const DefaultKey = "default"

// SaltSource returns the six digit salt mixed into pseudonymous ids.
type SaltSource func() int

// RandomSalt draws a salt in [100000, 999999].
func RandomSalt() int {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return 100000
	}
	return int(n.Int64()) + 100000
}

// Resolver decides per platform whether personal data may leave the system. Anything it
// cannot positively establish is treated as denied.
type Resolver struct {
	logger logger.Logger
	salt   SaltSource
}

func NewResolver(log logger.Logger) *Resolver {
	return NewResolverWithSalt(log, RandomSalt)
}

func NewResolverWithSalt(log logger.Logger, salt SaltSource) *Resolver {
	if salt == nil {
		salt = RandomSalt
	}
	return &Resolver{logger: log, salt: salt}
}

// HasLoggedInUser reports whether userID identifies a signed-in user, who has accepted the
// site's privacy policy.
func HasLoggedInUser(userID string) bool {
	userID = strings.TrimSpace(userID)
	return userID != "" && strings.ToLower(userID) != "unknown"
}

// Resolve returns whether the visitor granted consent to service.
func (r *Resolver) Resolve(ctx context.Context, cookie *string, service, userID string) bool {
	if HasLoggedInUser(userID) {
		return true
	}

	if cookie == nil || strings.TrimSpace(*cookie) == "" {
		r.logger.DebugwCtx(ctx, "No consent cookie, denying personal data", "service", service)
		return false
	}

	parsed, ok := Parse(*cookie)
	if !ok {
		r.logger.WarnwCtx(ctx, "Unrecognized consent cookie format, denying personal data",
			"service", service,
			"cookie", *cookie,
		)
		return false
	}

	if granted, found := parsed[service]; found {
		return granted
	}
	if granted, found := parsed[DefaultKey]; found {
		return granted
	}

	r.logger.DebugwCtx(ctx, "Consent cookie has no entry for service, denying personal data",
		"service", service,
	)
	return false
}

// PseudonymousID derives a non-identifying stand-in id from a visit id and a fresh salt.
// Callers compute it once per visit so all events of that visit share it.
func (r *Resolver) PseudonymousID(visitID string) string {
	sum := sha256.Sum256([]byte(visitID + "-" + strconv.Itoa(r.salt())))
	return hex.EncodeToString(sum[:])
}

// Parse reads a consent cookie in one of three forms: a JSON object, a comma separated
// list of service:bool pairs, or a bare true/false. HTML-escaped quotes are accepted.
func Parse(cookie string) (map[string]bool, bool) {
	cookie = strings.TrimSpace(cookie)
	if cookie == "" {
		return nil, false
	}

	if cookie[0] == '{' || cookie[0] == '[' {
		return parseJSON(strings.ReplaceAll(cookie, "&quot;", `"`))
	}

	if strings.Contains(cookie, ",") || strings.Contains(cookie, ":") {
		return parseList(cookie)
	}

	switch strings.ToLower(cookie) {
	case "true":
		return map[string]bool{DefaultKey: true}, true
	case "false":
		return map[string]bool{DefaultKey: false}, true
	}

	return nil, false
}

func parseJSON(cookie string) (map[string]bool, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(cookie), &raw); err != nil {
		return nil, false
	}

	out := make(map[string]bool, len(raw))
	for service, value := range raw {
		out[service] = truthy(value)
	}
	return out, true
}

func parseList(cookie string) (map[string]bool, bool) {
	out := make(map[string]bool)
	for _, part := range strings.Split(cookie, ",") {
		part = strings.TrimSpace(part)
		if key, value, found := strings.Cut(part, ":"); found {
			out[strings.TrimSpace(key)] = strings.TrimSpace(value) == "true"
			continue
		}
		switch strings.ToLower(part) {
		case "true":
			out[DefaultKey] = true
		case "false":
			out[DefaultKey] = false
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func truthy(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	default:
		return false
	}
}
