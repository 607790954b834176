// Package controlname implements the fully-qualified control name grammar:
// component "." control-path | bare-name, split at the first dot.
package controlname

import (
	"strings"

	"github.com/ocx/qrc-bridge/internal/qrcerr"
)

// Parsed is the result of splitting a fully-qualified control name.
type Parsed struct {
	Component string // empty for a bare name
	Control   string
}

// Parse splits name at the first '.'. A name with no dot is a bare name
// (empty Component). Empty or whitespace-only names are rejected.
func Parse(name string) (Parsed, error) {
	if strings.TrimSpace(name) == "" {
		return Parsed{}, qrcerr.New(qrcerr.ValidationFailed, "control name must not be empty or whitespace")
	}

	idx := strings.IndexByte(name, '.')
	if idx < 0 {
		return Parsed{Component: "", Control: name}, nil
	}
	return Parsed{Component: name[:idx], Control: name[idx+1:]}, nil
}

// IsBare reports whether a parsed name has no component.
func (p Parsed) IsBare() bool { return p.Component == "" }

// Join reconstructs the fully-qualified name from a Parsed value.
func (p Parsed) Join() string {
	if p.IsBare() {
		return p.Control
	}
	return p.Component + "." + p.Control
}
