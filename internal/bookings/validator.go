package bookings

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator checks booking requests with struct tags.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &Validator{validate: v}
}

// BookSlot validates a booking request. A patient needs at least one way to
// be contacted.
func (v *Validator) BookSlot(req *BookSlotRequest) error {
	if err := v.structErr(req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Patient.Phone) == "" && strings.TrimSpace(req.Patient.Email) == "" {
		return newValidationError("patient.phone", "or patient.email is required")
	}
	return nil
}

// Availability validates an availability query.
func (v *Validator) Availability(req *AvailabilityRequest) error {
	if err := v.structErr(req); err != nil {
		return err
	}
	if req.SlotDuration < 0 {
		return newValidationError("slot_duration", "must be positive")
	}
	return nil
}

func (v *Validator) structErr(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := &ValidationError{}
	for _, fe := range fieldErrs {
		out.Fields = append(out.Fields, FieldError{Field: fieldPath(fe), Message: messageFor(fe)})
	}
	return out
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "e164":
		return "must be an E.164 phone number"
	case "email":
		return "must be a valid email address"
	case "gtfield":
		return "must be after " + strings.ToLower(fe.Param())
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "datetime":
		return "must be formatted as " + fe.Param()
	default:
		return "is invalid (" + fe.Tag() + ")"
	}
}
