package services

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/usermgmt/apiserver/internal/auth"
	"github.com/usermgmt/apiserver/types"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// UserInput carries the fields accepted by signup and by admin account creation.
type UserInput struct {
	UserName    string         `json:"userName" validate:"required"`
	Email       string         `json:"email" validate:"required,email"`
	Password    string         `json:"password" validate:"required"`
	PhoneNumber string         `json:"phoneNumber" validate:"required"`
	UserType    string         `json:"userType"`
	Status      string         `json:"status"`
	Address     *types.Address `json:"address"`
}

func (in UserInput) normalized() UserInput {
	in.UserName = strings.TrimSpace(in.UserName)
	in.Email = types.NormalizeEmail(in.Email)
	in.PhoneNumber = strings.TrimSpace(in.PhoneNumber)
	in.UserType = strings.TrimSpace(in.UserType)
	in.Status = strings.TrimSpace(in.Status)
	if in.Address != nil {
		address := in.Address.Trimmed()
		in.Address = &address
	}
	return in
}

// validateStruct runs the struct tags of value. Missing fields are reported
// together; otherwise the invalid ones are.
func validateStruct(value any) error {
	err := validate.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate input: %w", err)
	}

	var missing, invalid []string
	for _, fieldErr := range fieldErrs {
		if fieldErr.Tag() == "required" {
			missing = append(missing, fieldErr.Field())
			continue
		}
		invalid = append(invalid, fieldErr.Field())
	}
	if len(missing) > 0 {
		return MissingFields(missing...)
	}
	return ValidationError(fmt.Sprintf("invalid %s", strings.Join(invalid, ", ")), invalid...)
}

func validateEmail(email string) error {
	if email == "" {
		return MissingFields("email")
	}
	if err := validate.Var(email, "email"); err != nil {
		return ValidationError("invalid email", "email")
	}
	return nil
}

// validatePassword enforces the bcrypt input limit, which is counted in bytes
// rather than runes.
func validatePassword(password string) error {
	if len(password) > auth.MaxPasswordBytes {
		return ValidationError(fmt.Sprintf("password must be at most %d bytes", auth.MaxPasswordBytes), "password")
	}
	return nil
}

func validateAddress(address *types.Address) error {
	if address == nil {
		return nil
	}
	missing := address.MissingFields()
	if len(missing) == 0 {
		return nil
	}
	fields := make([]string, 0, len(missing))
	for _, field := range missing {
		fields = append(fields, "address."+field)
	}
	return MissingFields(fields...)
}

func parseUserType(raw string, allowed ...types.UserType) (types.UserType, error) {
	userType, ok := types.ParseUserType(raw)
	if !ok || !userType.In(allowed...) {
		return "", ValidationError(fmt.Sprintf("invalid userType %q", raw), "userType")
	}
	return userType, nil
}

func parseStatus(raw string, allowed ...types.Status) (types.Status, error) {
	status, ok := types.ParseStatus(raw)
	if !ok || !status.In(allowed...) {
		return "", ValidationError(fmt.Sprintf("invalid status %q", raw), "status")
	}
	return status, nil
}
