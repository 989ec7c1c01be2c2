package poster

import (
	"errors"
	"fmt"
)

var (
	// ErrDailyLimit means the account already reached today's cap; nothing was attempted.
	ErrDailyLimit = errors.New("daily post limit reached")
	// ErrAuthExpired means the platform rejected the saved session; the account needs new cookies.
	ErrAuthExpired = errors.New("session expired")
	// ErrUnknownPlatform means no poster is registered for the platform.
	ErrUnknownPlatform = errors.New("unknown platform")
)

// IsAuthError reports whether err requires re-authenticating the account.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("poster panicked: %v", p.value)
}
