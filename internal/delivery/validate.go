package delivery

import (
	"errors"
	"github.com/go-playground/validator/v10"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,127}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		return identityPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// ValidateIdentity checks that id is a well-formed identity, field names it in the returned error
func ValidateIdentity(field, id string) error {
	if err := validate.Var(id, "required,identity"); err != nil {
		return &ValidationError{Field: field, Reason: "must be a well-formed identity"}
	}
	return nil
}

// NormalizeBody trims body and checks it is valid UTF-8, non-empty and, when maxLength is positive,
// at most maxLength characters long
func NormalizeBody(body string, maxLength int) (string, error) {
	trimmed := strings.TrimSpace(body)
	if !utf8.ValidString(trimmed) {
		return "", &ValidationError{Field: "body", Reason: "must be valid UTF-8"}
	}

	tag := "required"
	if maxLength > 0 {
		tag += ",max=" + strconv.Itoa(maxLength)
	}

	err := validate.Var(trimmed, tag)
	if err == nil {
		return trimmed, nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Tag() == "max" {
		return "", &ValidationError{Field: "body", Reason: "must be at most " + strconv.Itoa(maxLength) + " characters"}
	}
	return "", &ValidationError{Field: "body", Reason: "must not be empty"}
}
