package aws

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/smithy-go"
)

// ProvisioningError is returned when EC2 rejects a call that creates or
// describes a resource the environment depends on.
type ProvisioningError struct {
	// Op names the failed operation, e.g. "CreateSecurityGroup"
	Op string

	// ResourceID identifies the resource when one is known
	ResourceID string

	// Code and Message are the provider-supplied reason and detail
	Code    string
	Message string

	// Err is the wrapped cause of this error
	Err error
}

// Error returns a formatted error message
func (e *ProvisioningError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed", e.Op)
	if e.ResourceID != "" {
		fmt.Fprintf(&b, " [resource: %s]", e.ResourceID)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// newProvisioningError wraps err, lifting the API error code and message
// when the SDK provides them.
func newProvisioningError(op, resourceID string, err error) *ProvisioningError {
	pe := &ProvisioningError{Op: op, ResourceID: resourceID, Err: err}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe.Code = apiErr.ErrorCode()
		pe.Message = apiErr.ErrorMessage()
	}
	return pe
}

// TimeoutError is returned when handles do not reach a target state in time.
type TimeoutError struct {
	TargetState string
	Elapsed     time.Duration
	Pending     []string
}

// Error returns a formatted error message
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("could not reach %s state after waiting %s (pending: %s)",
		e.TargetState, e.Elapsed.Round(time.Second), strings.Join(e.Pending, ", "))
}

// IsNotFound reports whether err is an EC2 "does not exist" API error, for
// example InvalidGroup.NotFound or InvalidKeyPair.NotFound.
func IsNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.HasSuffix(apiErr.ErrorCode(), ".NotFound")
}
