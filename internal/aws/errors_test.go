package aws

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func TestProvisioningError(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "InvalidVpcID.NotFound", Message: "The vpc ID 'vpc-1' does not exist"}
	err := newProvisioningError("CreateSecurityGroup", "vpc-1", fmt.Errorf("operation error: %w", apiErr))

	assert.Equal(t, "InvalidVpcID.NotFound", err.Code)
	assert.Equal(t, "The vpc ID 'vpc-1' does not exist", err.Message)
	assert.Contains(t, err.Error(), "CreateSecurityGroup failed")
	assert.Contains(t, err.Error(), "vpc-1")
	assert.ErrorIs(t, err, apiErr)

	var target *ProvisioningError
	assert.True(t, errors.As(fmt.Errorf("provision: %w", err), &target))
}

func TestProvisioningError_NonAPIError(t *testing.T) {
	err := newProvisioningError("DescribeImages", "ami-1", errors.New("connection reset"))
	assert.Empty(t, err.Code)
	assert.Equal(t, "DescribeImages failed [resource: ami-1]: connection reset", err.Error())
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{TargetState: "running", Elapsed: 121 * time.Second, Pending: []string{"i-1", "i-2"}}
	assert.Equal(t, "could not reach running state after waiting 2m1s (pending: i-1, i-2)", err.Error())
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "plain error", err: errors.New("NotFound"), expected: false},
		{name: "group not found", err: &smithy.GenericAPIError{Code: "InvalidGroup.NotFound"}, expected: true},
		{name: "key pair not found", err: fmt.Errorf("wrapped: %w", &smithy.GenericAPIError{Code: "InvalidKeyPair.NotFound"}), expected: true},
		{name: "dependency violation", err: &smithy.GenericAPIError{Code: "DependencyViolation"}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsNotFound(tt.err))
		})
	}
}
