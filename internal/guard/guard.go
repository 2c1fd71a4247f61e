// Package guard validates and normalizes everything that arrives from a chat
// relay before it can reach a terminal backend. All functions are pure.
package guard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxCommandLength is the hard ceiling on injected command text, in characters.
const MaxCommandLength = 10000

var (
	// ErrInvalidToken is returned for anything that is not an 8-char alphanumeric token.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidCommand is wrapped by every command validation failure.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrSanitize is returned when a session name is empty or becomes empty
	// once dangerous characters are removed.
	ErrSanitize = errors.New("invalid session name")
)

var (
	tokenPattern       = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)
	sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ValidationError carries which field failed and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidCommand }

// ValidatedCommand is command text that passed ValidateCommand. The zero
// value is never valid; it can only be built by this package.
type ValidatedCommand struct {
	text string
}

// Text returns the trimmed command.
func (c ValidatedCommand) Text() string { return c.text }

// IsZero reports whether c was not produced by ValidateCommand.
func (c ValidatedCommand) IsZero() bool { return c.text == "" }

// ValidateToken returns the uppercase form of raw when it is exactly eight
// ASCII letters or digits.
func ValidateToken(raw string) (string, error) {
	if !tokenPattern.MatchString(raw) {
		return "", ErrInvalidToken
	}
	return strings.ToUpper(raw), nil
}

// ValidateCommand trims raw and enforces the MaxCommandLength ceiling.
func ValidateCommand(raw string) (ValidatedCommand, error) {
	return ValidateCommandLimit(raw, MaxCommandLength)
}

// ValidateCommandLimit is ValidateCommand with a lower, configured ceiling.
// Limits outside (0, MaxCommandLength] fall back to MaxCommandLength.
func ValidateCommandLimit(raw string, limit int) (ValidatedCommand, error) {
	if limit <= 0 || limit > MaxCommandLength {
		limit = MaxCommandLength
	}
	if !utf8.ValidString(raw) {
		return ValidatedCommand{}, &ValidationError{Field: "command", Reason: "is not valid UTF-8"}
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return ValidatedCommand{}, &ValidationError{Field: "command", Reason: "is empty"}
	}
	if n := utf8.RuneCountInString(text); n > limit {
		return ValidatedCommand{}, &ValidationError{
			Field:  "command",
			Reason: fmt.Sprintf("too long (%d > %d characters)", n, limit),
		}
	}
	return ValidatedCommand{text: text}, nil
}

// stripped is the exact set removed by SanitizeSessionName.
const stripped = ";`$()|\n\r&<>"

// SanitizeSessionName removes shell metacharacters from raw. It fails rather
// than defaulting when nothing usable remains. Sanitizing twice is a no-op.
func SanitizeSessionName(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrSanitize)
	}
	name := strings.Map(func(r rune) rune {
		if strings.ContainsRune(stripped, r) {
			return -1
		}
		return r
	}, raw)
	if name == "" {
		return "", fmt.Errorf("%w: %q is empty after sanitization", ErrSanitize, raw)
	}
	return name, nil
}

// SessionTarget sanitizes raw and then requires the result to be a plain
// identifier. Backends call this before a name reaches any process argv.
func SessionTarget(raw string) (string, error) {
	name, err := SanitizeSessionName(raw)
	if err != nil {
		return "", err
	}
	if !sessionNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q must match [A-Za-z0-9_-]+", ErrSanitize, name)
	}
	return name, nil
}

var automationEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// EscapeForAutomationText escapes raw for use inside a double-quoted
// AppleScript string literal.
func EscapeForAutomationText(raw string) string {
	if raw == "" {
		return ""
	}
	return automationEscaper.Replace(raw)
}
