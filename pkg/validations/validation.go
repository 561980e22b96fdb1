// All global custom validations in Trophonius are defined here.
// These validations are allowed to be used anywhere in the application.

package validations

import (
	"Trophonius/pkg/log"
	"context"

	"github.com/asaskevich/govalidator"
)

func RegisterCustomValidations(ctx context.Context, logger log.Logger) {
	// This global validation doesn't allow whitespace in input.
	// Identity fields of the wire protocols (token, user_id, device_id) are opaque but never contain spaces.
	govalidator.TagMap["nospace"] = govalidator.Validator(func(str string) bool {
		return !govalidator.HasWhitespace(str)
	})
}
