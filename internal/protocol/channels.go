package protocol

import (
	"fmt"
	"strings"
)

// ValidateSubjectToken checks that a name is safe for use in NATS subjects.
// NATS treats '.', '*', and '>' as special characters in subjects.
// Returns an error if the name contains any of these or is empty.
func ValidateSubjectToken(name string) error {
	if name == "" {
		return fmt.Errorf("subject token must not be empty")
	}
	if strings.ContainsAny(name, ".*> \t\n\r") {
		return fmt.Errorf("subject token %q contains invalid NATS characters (.*> or whitespace)", name)
	}
	return nil
}

// AgentControlSubject returns the NATS subject an agent listens on for
// control commands such as nudges.
func AgentControlSubject(teamID, agentID string) (string, error) {
	if err := ValidateSubjectToken(teamID); err != nil {
		return "", fmt.Errorf("invalid team id: %w", err)
	}
	if err := ValidateSubjectToken(agentID); err != nil {
		return "", fmt.Errorf("invalid agent id: %w", err)
	}
	return fmt.Sprintf("team.%s.control.%s", teamID, agentID), nil
}

// IsChannelName reports whether name is an IRC channel name usable as a
// team channel: it starts with '#', and has no spaces, commas or control
// characters.
func IsChannelName(name string) bool {
	if len(name) < 2 || name[0] != '#' {
		return false
	}
	for _, r := range name {
		if r == ' ' || r == ',' || r == '\a' || r < 0x20 {
			return false
		}
	}
	return true
}
