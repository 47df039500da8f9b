package models

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks across package boundaries
var (
	ErrConfiguration       = errors.New("configuration error")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrJobExecution        = errors.New("job execution failed")
)

// ConfigurationError reports an invalid or conflicting setup detected before scheduling
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

// Error implements error interface
func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error (%s): %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("configuration error (%s): %s", e.Field, e.Message)
}

// Unwrap implements error unwrapping
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Is matches ErrConfiguration
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(field, message string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message, Err: err}
}

// ResourceUnavailableError reports that fewer workers or GPUs exist than were requested
type ResourceUnavailableError struct {
	Resource  string
	Requested int
	Available int
	Message   string
}

// Error implements error interface
func (e *ResourceUnavailableError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s unavailable: %s (requested %d, available %d)", e.Resource, e.Message, e.Requested, e.Available)
	}
	return fmt.Sprintf("%s unavailable: requested %d, available %d", e.Resource, e.Requested, e.Available)
}

// Is matches ErrResourceUnavailable
func (e *ResourceUnavailableError) Is(target error) bool {
	return target == ErrResourceUnavailable
}

// JobExecutionError wraps an unrecovered failure inside a worker
type JobExecutionError struct {
	JobIndex int
	Dataset  string
	GPU      int
	Err      error
}

// Error implements error interface
func (e *JobExecutionError) Error() string {
	device := "cpu"
	if e.GPU != NoGPU {
		device = fmt.Sprintf("gpu %d", e.GPU)
	}
	return fmt.Sprintf("job %d (dataset %s, %s) failed: %v", e.JobIndex+1, e.Dataset, device, e.Err)
}

// Unwrap implements error unwrapping
func (e *JobExecutionError) Unwrap() error {
	return e.Err
}

// Is matches ErrJobExecution
func (e *JobExecutionError) Is(target error) bool {
	return target == ErrJobExecution
}
