package ledger

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the `validate` struct tags of a command and reports the
// first failure as a *ValidationError.
func Validate(cmd any) error {
	err := validate.Struct(cmd)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return NewValidationError(strings.ToLower(fe.Field()), "failed %q check", fe.Tag())
	}
	return NewValidationError("", "%v", err)
}

// Clock returns the current time. Services take one so tests can pin time.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }

// NewID returns a random record id.
func NewID() string {
	return uuid.NewString()
}
