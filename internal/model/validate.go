package model

import (
	"errors"
	"fmt"
	"strings"
)

// Validation error codes.
const (
	ErrCodeMissingName        = "E001" // connected system or dataset without a name
	ErrCodeMissingMappings    = "E002" // dataset with no mappings
	ErrCodeMissingJoin        = "E003" // dataset with no join mapping
	ErrCodeMultipleJoins      = "E004" // dataset with more than one join mapping
	ErrCodeInvalidMapping     = "E005" // mapping without expressions or with a bad direction
	ErrCodeInvalidQueryConfig = "E006" // connector rejected the query configuration
	ErrCodeInvalidSystem      = "E007" // connected system level problem
	ErrCodeDuplicateName      = "E008" // two systems or datasets share a name
)

// ValidationError is a configuration error. Validation errors are fatal for
// the affected dataset or connected system and are never retried.
type ValidationError struct {
	Code    string
	System  string
	DataSet string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	var where []string
	if e.System != "" {
		where = append(where, "system="+e.System)
	}
	if e.DataSet != "" {
		where = append(where, "dataset="+e.DataSet)
	}
	if e.Field != "" {
		where = append(where, "field="+e.Field)
	}
	if len(where) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(where, ", "))
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the dataset's own invariants: a name, at least one mapping,
// complete mappings and exactly one Join mapping.
func (d *DataSet) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return &ValidationError{Code: ErrCodeMissingName, Field: "name", Message: "dataset name is required"}
	}
	if len(d.Mappings) == 0 {
		return &ValidationError{Code: ErrCodeMissingMappings, DataSet: d.Name, Field: "mappings", Message: "at least one mapping is required"}
	}
	for i, m := range d.Mappings {
		if _, ok := directionNames[m.Direction]; !ok {
			return &ValidationError{
				Code:    ErrCodeInvalidMapping,
				DataSet: d.Name,
				Field:   fmt.Sprintf("mappings[%d].direction", i),
				Message: "direction must be join, in or out",
			}
		}
		if strings.TrimSpace(m.SystemExpression) == "" || strings.TrimSpace(m.StateExpression) == "" {
			return &ValidationError{
				Code:    ErrCodeInvalidMapping,
				DataSet: d.Name,
				Field:   fmt.Sprintf("mappings[%d]", i),
				Message: "system and state expressions are both required",
			}
		}
	}
	if _, ok := createDeleteNames[d.CreateDeleteDirection]; !ok {
		return &ValidationError{
			Code:    ErrCodeInvalidMapping,
			DataSet: d.Name,
			Field:   "createDeleteDirection",
			Message: "must be none, in or out",
		}
	}
	_, err := d.JoinMapping()
	return err
}

// Validate checks the connected system and every dataset it owns.
// All problems are collected; the result is nil or an errors.Join of
// ValidationErrors.
func (c *ConnectedSystem) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, &ValidationError{Code: ErrCodeMissingName, Field: "name", Message: "connected system name is required"})
	}
	if strings.TrimSpace(c.Type) == "" {
		errs = append(errs, &ValidationError{Code: ErrCodeInvalidSystem, System: c.Name, Field: "type", Message: "connected system type is required"})
	}
	if c.LoopPeriodicitySeconds <= 0 {
		errs = append(errs, &ValidationError{Code: ErrCodeInvalidSystem, System: c.Name, Field: "loopPeriodicitySeconds", Message: "must be positive"})
	}

	seen := make(map[string]bool, len(c.DataSets))
	for i := range c.DataSets {
		ds := &c.DataSets[i]
		if err := ds.Validate(); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.System = c.Name
			}
			errs = append(errs, err)
			continue
		}
		if seen[ds.Name] {
			errs = append(errs, &ValidationError{Code: ErrCodeDuplicateName, System: c.Name, DataSet: ds.Name, Message: "duplicate dataset name"})
		}
		seen[ds.Name] = true
	}
	return errors.Join(errs...)
}
