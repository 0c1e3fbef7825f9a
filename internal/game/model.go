package game

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	netmail "net/mail"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"stardust/internal/store"
)

const (
	DefaultReplyReward  = int64(10)
	DefaultWelcomeBonus = int64(50)

	MaxReflectionChars = 4000

	UnlockTypeSecret  = "secret"
	DefaultEarnReason = "Choice made"
	WelcomeReason     = "Welcome bonus"
)

// Error kinds. Every error the service returns wraps exactly one of these.
var (
	ErrValidation   = errors.New("invalid request")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrDelivery     = errors.New("email delivery failed")
	ErrStore        = errors.New("store failure")
)

var (
	ErrInvalidMission    = fmt.Errorf("%w: mission number must be between 1 and 10", ErrValidation)
	ErrInvalidEmail      = fmt.Errorf("%w: valid email required", ErrValidation)
	ErrInvalidAmount     = fmt.Errorf("%w: amount must be a positive integer", ErrValidation)
	ErrEmptyReflection   = fmt.Errorf("%w: reflection_text is required", ErrValidation)
	ErrReflectionTooLong = fmt.Errorf("%w: reflection_text must be at most %d characters", ErrValidation, MaxReflectionChars)
	ErrAlreadyUnlocked   = fmt.Errorf("%w: secret already unlocked", ErrValidation)
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient stardust", ErrValidation)
	ErrPlayerNotFound    = fmt.Errorf("%w: player not found", ErrNotFound)
	ErrSecretNotFound    = fmt.Errorf("%w: secret not found", ErrNotFound)
)

var angleAddrRE = regexp.MustCompile(`<([^>]+)>`)

func isDomainError(err error) bool {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrUnauthorized, ErrDelivery, ErrStore} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// storeErr tags a persistence failure with ErrStore, leaving domain errors as they are.
func storeErr(err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStore, err)
}

func notFoundAs(err, as error) error {
	if errors.Is(err, store.ErrNotFound) {
		return as
	}
	return storeErr(err)
}

func lower(s string) string {
	return cases.Lower(language.Und).String(s)
}

// NormalizeEmail trims and lower-cases a bare address, rejecting anything that does not
// parse as one.
func NormalizeEmail(raw string) (string, error) {
	email := lower(strings.TrimSpace(raw))
	if email == "" || !strings.Contains(email, "@") {
		return "", ErrInvalidEmail
	}
	addr, err := netmail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// ExtractAddress pulls the address out of a From header such as `Name <a@b.c>`.
// The result is lower-cased; an empty string means nothing usable was found.
func ExtractAddress(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	if addr, err := netmail.ParseAddress(from); err == nil {
		return lower(addr.Address)
	}
	if m := angleAddrRE.FindStringSubmatch(from); len(m) == 2 {
		return lower(strings.TrimSpace(m[1]))
	}
	return lower(from)
}

func WordCount(text string) int {
	return len(strings.Fields(text))
}

func newPlayerToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate player token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
