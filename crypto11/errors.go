package crypto11

import (
	"github.com/cockroachdb/errors"
)

// Error kinds, use errors.Is to check the kind of returned error
var (
	// ErrConfiguration is returned for invalid input, like empty PIN or unknown slot
	ErrConfiguration = errors.New("configuration error")
	// ErrProviderFault is returned when the PKCS#11 provider fails
	ErrProviderFault = errors.New("provider fault")
	// ErrNotFound is returned when requested key objects do not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when operation is not allowed in the current state
	ErrInvalidState = errors.New("invalid state")
)

var kinds = []error{
	ErrConfiguration,
	ErrProviderFault,
	ErrNotFound,
	ErrInvalidState,
}

// KindOf returns the kind of the error, or nil if err has no kind
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func providerFault(err error, format string, args ...any) error {
	return errors.Mark(errors.WithMessagef(err, format, args...), ErrProviderFault)
}

func configurationError(format string, args ...any) error {
	return errors.Mark(errors.Errorf(format, args...), ErrConfiguration)
}

func notFound(format string, args ...any) error {
	return errors.Mark(errors.Errorf(format, args...), ErrNotFound)
}

func invalidState(format string, args ...any) error {
	return errors.Mark(errors.Errorf(format, args...), ErrInvalidState)
}
