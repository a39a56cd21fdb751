/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package consultsdk

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks s against its validate struct tags.
func Validate(s interface{}) error {
	return validate.Struct(s)
}

// ValidateVar checks a single value against tag.
func ValidateVar(field interface{}, tag string) error {
	return validate.Var(field, tag)
}

// RegisterValidation adds a custom validation tag. It must be called from an
// init function, before any validation runs.
func RegisterValidation(tag string, fn validator.Func) {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		panic(err)
	}
}

// FirstFieldError returns the first field that failed in an error returned
// by Validate.
func FirstFieldError(err error) (validator.FieldError, bool) {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return fieldErrs[0], true
	}
	return nil, false
}
