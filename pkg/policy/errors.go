package policy

import (
	"errors"
	"strconv"
	"strings"
)

// SupportedVersion is the only policy document schema version accepted.
const SupportedVersion = 1

var (
	// ErrUnsupportedVersion is wrapped by the ConfigError returned for a
	// document whose version is not SupportedVersion.
	ErrUnsupportedVersion = errors.New("unsupported policy version")

	// ErrNoPolicyPath is returned when no policy document location is set.
	ErrNoPolicyPath = errors.New("no tool policy path configured")
)

// ConfigError describes why a policy document was rejected.
// Path is the dotted location of the offending field.
type ConfigError struct {
	Path    string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return "tool policy config error: " + e.Message
	}
	return "tool policy config error: " + e.Path + ": " + e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func supportedActionList() string {
	names := make([]string, len(SupportedActions))
	for i, a := range SupportedActions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}

func unsupportedActionMessage(a string) string {
	return "unsupported tool action '" + a + "'; supported actions: " + supportedActionList()
}

func unsupportedRoleMessage(r string) string {
	return "unsupported role '" + r + "'; supported roles: admin, developer, viewer"
}

func indexPath(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}
