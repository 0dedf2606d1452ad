package utils

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxContentLength bounds a single chat message
const MaxContentLength = 4000

// FieldError describes why one input field was rejected
type FieldError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError collects per-field problems so they can be shown inline
type ValidationError struct {
	Fields map[string]FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name].Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a problem for field, keeping the first one reported
func (e *ValidationError) Add(field, code, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]FieldError)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = FieldError{Code: code, Message: message}
	}
}

// OrNil returns nil when no field was rejected
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ContactForm is what a customer fills in before their first message
type ContactForm struct {
	Email   string `json:"email" validate:"required,email"`
	Name    string `json:"name" validate:"required,min=2"`
	Message string `json:"message" validate:"required,max=4000"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateContactForm trims the form in place and reports every invalid field
func ValidateContactForm(form *ContactForm) error {
	form.Email = strings.TrimSpace(form.Email)
	form.Name = strings.TrimSpace(form.Name)
	form.Message = strings.TrimSpace(form.Message)

	err := validate.Struct(form)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	result := &ValidationError{}
	for _, fe := range verrs {
		result.Add(fe.Field(), strings.ToUpper(fe.Tag()), fieldMessage(fe))
	}
	return result.OrNil()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return "Please enter a valid email address"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}

// ValidateEmail reports whether email is a well-formed address
func ValidateEmail(email string) error {
	if err := validate.Var(strings.TrimSpace(email), "required,email"); err != nil {
		result := &ValidationError{}
		result.Add("email", "EMAIL", "Please enter a valid email address")
		return result
	}
	return nil
}

// ValidateContent trims a message body and checks it is non-empty and within bounds
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	result := &ValidationError{}
	switch {
	case content == "":
		result.Add("content", "REQUIRED", "Message cannot be empty")
	case utf8.RuneCountInString(content) > MaxContentLength:
		result.Add("content", "MAX", fmt.Sprintf("Message must be at most %d characters", MaxContentLength))
	}
	return content, result.OrNil()
}
