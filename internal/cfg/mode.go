package cfg

import "strings"

// ModeEnv selects the runtime mode. Read once at startup.
const ModeEnv = "TRANSIT_ENV"

type Mode string

const (
	Development Mode = "development"
	Production  Mode = "production"
)

// ModeFrom maps the value of ModeEnv to a Mode. Anything other than
// prod/production is development.
func ModeFrom(v string) Mode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "prod", "production":
		return Production
	}
	return Development
}

func (m Mode) Production() bool { return m == Production }
