package domain

import (
	"fmt"
	"strings"
)

// ValidationKind enumerates the geometry validation failure classes.
type ValidationKind string

// Validation failure classes surfaced by the geometry parser/validator.
const (
	// ValidationEmptyGeometry marks a geometry with no coordinates.
	ValidationEmptyGeometry ValidationKind = "empty_geometry"
	// ValidationInvalidTopology marks a geometry violating simple-feature rules.
	ValidationInvalidTopology ValidationKind = "invalid_topology"
	// ValidationGeometryType marks a geometry outside the allowed type set.
	ValidationGeometryType ValidationKind = "geometry_type"
)

// ValidationError reports an input geometry that failed validation. It is
// raised before any mutation is attempted, so a caller observing it can rely
// on the store being unchanged.
type ValidationError struct {
	Kind   ValidationKind
	Reason string
}

func (e ValidationError) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// EmptyGeometryError builds the validation error for a coordinate-less geometry.
func EmptyGeometryError() ValidationError {
	return ValidationError{Kind: ValidationEmptyGeometry, Reason: "geometry has no coordinates"}
}

// InvalidTopologyError builds the validation error for an invalid geometry,
// carrying the validity reason reported by the checker.
func InvalidTopologyError(reason string) ValidationError {
	return ValidationError{Kind: ValidationInvalidTopology, Reason: reason}
}

// GeometryTypeError builds the validation error for a geometry whose concrete
// type is outside the allowed set.
func GeometryTypeError(got string, allowed []string) ValidationError {
	return ValidationError{
		Kind:   ValidationGeometryType,
		Reason: fmt.Sprintf("type %s not in allowed set [%s]", got, strings.Join(allowed, " ")),
	}
}

// ParameterError reports an unsupported or malformed operation argument,
// including unrecognized geometry encodings.
type ParameterError struct {
	Name   string
	Reason string
}

func (e ParameterError) Error() string {
	if e.Name == "" {
		return e.Reason
	}
	return fmt.Sprintf("parameter %s: %s", e.Name, e.Reason)
}

// NotFoundError is returned when an operation references an id with no row,
// kept distinct so callers can map it to a missing-resource response.
type NotFoundError struct {
	Entity EntityType
	ID     int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// PersistenceError wraps a backing-store failure with the logical operation
// that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

// Unwrap exposes the backend cause for errors.Is/As chains.
func (e PersistenceError) Unwrap() error {
	return e.Err
}
