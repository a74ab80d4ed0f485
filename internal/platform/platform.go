package platform

import "fmt"

// Platform is a supported advertising destination.
type Platform string

const (
	Meta     Platform = "meta"
	Google   Platform = "google"
	LinkedIn Platform = "linkedin"
)

// All lists the platforms in dispatch order.
var All = []Platform{Meta, Google, LinkedIn}

func (p Platform) String() string {
	return string(p)
}

// DisplayName is the human readable name used in log lines and error messages.
func (p Platform) DisplayName() string {
	switch p {
	case Meta:
		return "Meta"
	case Google:
		return "Google Ads"
	case LinkedIn:
		return "LinkedIn"
	default:
		return string(p)
	}
}

func Parse(s string) (Platform, error) {
	for _, p := range All {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform: %q", s)
}
