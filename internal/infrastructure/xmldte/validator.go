package xmldte

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/erp/dte/internal/domain/dte"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/encoding/charmap"
)

// Validator checks a payload against the field schema of a document type
type Validator struct {
	validate *validator.Validate
}

// customTags are the payload tags the stock validator does not know
var customTags = map[string]validator.Func{
	"rut": func(fl validator.FieldLevel) bool {
		return dte.IsValidRUT(fl.Field().String())
	},
	"latin1": func(fl validator.FieldLevel) bool {
		return isLatin1(fl.Field().String())
	},
}

// NewValidator creates a Validator with the rut and latin1 tags registered.
// It panics if a tag cannot be registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := registerTags(v, customTags); err != nil {
		panic(err)
	}
	return &Validator{validate: v}
}

func registerTags(v *validator.Validate, tags map[string]validator.Func) error {
	for tag, fn := range tags {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("registering %q validation: %w", tag, err)
		}
	}
	return nil
}

// Validate returns a SchemaValidationError listing every invalid field, or nil
func (v *Validator) Validate(docType dte.DocumentType, p dte.Payload) error {
	var fields []dte.FieldError

	if err := v.validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, e := range verrs {
			fields = append(fields, dte.FieldError{Field: fieldPath(e), Reason: reason(e)})
		}
	}

	for i, l := range p.Lines {
		if !l.Quantity.IsPositive() {
			fields = append(fields, dte.FieldError{Field: linePath(i, "quantity"), Reason: "Must be greater than 0"})
		}
		if l.UnitPrice.IsNegative() {
			fields = append(fields, dte.FieldError{Field: linePath(i, "unit_price"), Reason: "Must not be negative"})
		}
		if l.Quantity.Exponent() < -6 || l.UnitPrice.Exponent() < -6 {
			fields = append(fields, dte.FieldError{Field: linePath(i, "unit_price"), Reason: "At most 6 decimal places"})
		}
	}

	if !docType.IsReceipt() && p.Receiver == nil {
		fields = append(fields, dte.FieldError{Field: "receiver", Reason: "This field is required"})
	}
	if docType.RequiresReference() && len(p.References) == 0 {
		fields = append(fields, dte.FieldError{Field: "references", Reason: "At least one reference is required"})
	}
	if docType.RequiresTransport() && p.Transport == nil {
		fields = append(fields, dte.FieldError{Field: "transport", Reason: "This field is required"})
	}
	if !docType.RequiresTransport() && p.Transport != nil {
		fields = append(fields, dte.FieldError{Field: "transport", Reason: "Only dispatch guides carry transport data"})
	}
	if docType.IsReceipt() && p.PaymentMethod != 0 {
		fields = append(fields, dte.FieldError{Field: "payment_method", Reason: "Receipts carry no payment method"})
	}
	if len(p.Lines) > 0 && dte.ComputeTotals(docType, p.Lines).Total <= 0 && docType != dte.TypeDispatchGuide {
		fields = append(fields, dte.FieldError{Field: "lines", Reason: "Document total must be positive"})
	}

	if len(fields) > 0 {
		return dte.NewSchemaValidationError(fields)
	}
	return nil
}

func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func linePath(i int, field string) string {
	return "lines[" + strconv.Itoa(i) + "]." + field
}

func reason(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "rut":
		return "Invalid RUT"
	case "latin1":
		return "Contains characters outside ISO-8859-1"
	case "datetime":
		return "Must be a date in " + e.Param() + " format"
	case "min":
		if e.Kind() == reflect.Slice {
			return "Must have at least " + e.Param() + " items"
		}
		return "Must be at least " + e.Param()
	case "max":
		switch e.Kind() {
		case reflect.String:
			return "Must be at most " + e.Param() + " characters"
		case reflect.Slice:
			return "Must have at most " + e.Param() + " items"
		}
		return "Must be at most " + e.Param()
	case "oneof":
		return "Must be one of: " + e.Param()
	default:
		return "Invalid value"
	}
}

func isLatin1(s string) bool {
	for _, r := range s {
		if _, ok := charmap.ISO8859_1.EncodeRune(r); !ok {
			return false
		}
	}
	return true
}
