package report

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CreateRequest carries the patient fields submitted with a scan.
type CreateRequest struct {
	PatientID     string `json:"patient_id" validate:"required,max=64"`
	PatientName   string `json:"patient_name" validate:"required,min=1,max=256"`
	PatientEmail  string `json:"patient_email" validate:"omitempty,email,max=256"`
	PatientAge    int    `json:"patient_age" validate:"omitempty,gte=0,lte=150"`
	PatientGender string `json:"patient_gender" validate:"omitempty,oneof=male female other"`
	ContactNumber string `json:"contact_number" validate:"omitempty,max=32"`
}

// UpdateRequest carries a doctor's review. Nil fields are left unchanged.
type UpdateRequest struct {
	DoctorNotes *string `json:"doctor_notes" validate:"omitempty,max=10000"`
	Status      *string `json:"status" validate:"omitempty,oneof=pending reviewed"`
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// Validate checks the request fields.
func (r CreateRequest) Validate() error { return validateStruct(r) }

// Validate checks the request fields. An update with no fields is rejected.
func (r UpdateRequest) Validate() error {
	if r.DoctorNotes == nil && r.Status == nil {
		return &ValidationError{Fields: map[string]string{"request": "no fields to update"}}
	}
	return validateStruct(r)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	return &ValidationError{Fields: fields}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "gte", "lte":
		return "is out of range"
	default:
		return "failed " + fe.Tag()
	}
}
