// Package ingesterrors contains generic errors returned while ingesting records.
// Callers look for the error types defined in this file (using errors.As) to decide whether a
// failure is confined to a single record or must stop ingestion altogether.
//
// If multiple errors occur in some function (e.g., several records of one batch are malformed),
// that function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package ingesterrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrMalformedRecord is returned when a record of a recognised type is missing a field it
// cannot be stored without, or carries a field that cannot be decoded.
// Value and Message are optional and are omitted from the error message if not provided.
type ErrMalformedRecord struct {
	EventType string      // Event type of the record, e.g., "flow"; empty if it was never decoded
	Field     string      // Name of the offending field, e.g., "src_ip"
	Value     interface{} // The raw value found, nil if the field was absent
	Message   string      // An optional message explaining what was wrong with the value
}

func (err *ErrMalformedRecord) Error() (s string) {
	if err.Value == nil {
		s = fmt.Sprintf("field %q is missing", err.Field)
	} else {
		s = fmt.Sprintf("value %s is invalid for field %q", err.Value, err.Field)
	}
	if err.EventType != "" {
		s = fmt.Sprintf("%s record: %s", err.EventType, s)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "workers"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	} else {
		return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
	}
}

// IsMalformedRecord returns true if err, or any error it wraps, is an *ErrMalformedRecord.
func IsMalformedRecord(err error) bool {
	var e *ErrMalformedRecord
	return errors.As(err, &e)
}
