package gateway

import "regexp"

var projectNamePattern = regexp.MustCompile(`^[a-zA-Z0-9\-_]{3,64}$`)

// ProjectName is a validated project identifier.  It is used as the
// routing key of the proxy and the primary key of persisted state, so
// the only way to obtain one is ParseProjectName.
type ProjectName struct {
	name string
}

// ParseProjectName validates s against ^[a-zA-Z0-9\-_]{3,64}$.
func ParseProjectName(s string) (ProjectName, error) {
	if !projectNamePattern.MatchString(s) {
		return ProjectName{}, FromKind(InvalidProjectName)
	}
	return ProjectName{name: s}, nil
}

func (n ProjectName) String() string { return n.name }

// IsZero reports whether n was never parsed.
func (n ProjectName) IsZero() bool { return n.name == "" }

func (n ProjectName) MarshalText() ([]byte, error) {
	return []byte(n.name), nil
}

// UnmarshalText parses text, failing with InvalidProjectName.
func (n *ProjectName) UnmarshalText(text []byte) error {
	parsed, err := ParseProjectName(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// AccountName identifies the account owning a project.  Any non-empty
// string is accepted for now.
type AccountName struct {
	name string
}

// ParseAccountName rejects the empty string.
func ParseAccountName(s string) (AccountName, error) {
	if s == "" {
		return AccountName{}, FromKind(InvalidProjectName)
	}
	return AccountName{name: s}, nil
}

func (n AccountName) String() string { return n.name }

func (n AccountName) IsZero() bool { return n.name == "" }

func (n AccountName) MarshalText() ([]byte, error) {
	return []byte(n.name), nil
}

func (n *AccountName) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountName(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
