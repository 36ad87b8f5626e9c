package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/crypto/ssh"

	inventoryTypes "github.com/scttfrdmn/aws-distro-inventory/pkg/types"
)

// Instance states reported by EC2 that the environment waits for.
const (
	StateRunning    = string(types.InstanceStateNameRunning)
	StateTerminated = string(types.InstanceStateNameTerminated)
)

// KeyPair is the key pair created for one run. Signer authorizes SSH
// sessions to the instances launched with it.
type KeyPair struct {
	Name      string
	KeyPairID string
	Signer    ssh.Signer
}

// SecurityGroup is the access rule group created for one run.
type SecurityGroup struct {
	ID    string
	Name  string
	VPCID string
}

// Image is the descriptive metadata of a machine image.
type Image struct {
	ID          string
	Name        string
	Description string
}

// Instance is a launched EC2 instance and the image it was launched from.
// State and Address change only through Refresh.
type Instance struct {
	client EC2API

	InstanceID   string
	InstanceType string
	Image        Image
	User         string

	state   string
	address string
}

var _ StateHandle = (*Instance)(nil)

func newInstance(client EC2API, raw types.Instance, image Image, user string) *Instance {
	i := &Instance{
		client:       client,
		InstanceID:   aws.ToString(raw.InstanceId),
		InstanceType: string(raw.InstanceType),
		Image:        image,
		User:         user,
	}
	i.apply(raw)
	return i
}

// ID returns the EC2 instance id.
func (i *Instance) ID() string { return i.InstanceID }

// State returns the state observed by the last Refresh.
func (i *Instance) State() string { return i.state }

// Address returns the address SSH should connect to: the public IP, then
// the public DNS name, then the private IP.
func (i *Instance) Address() string { return i.address }

// Info returns a snapshot of the instance as last observed.
func (i *Instance) Info() inventoryTypes.InstanceInfo {
	return inventoryTypes.InstanceInfo{
		InstanceID:       i.InstanceID,
		ImageID:          i.Image.ID,
		ImageName:        i.Image.Name,
		ImageDescription: i.Image.Description,
		Address:          i.address,
		User:             i.User,
		State:            i.state,
	}
}

// Refresh re-reads the instance's state and address from EC2.
func (i *Instance) Refresh(ctx context.Context) error {
	result, err := i.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{i.InstanceID},
	})
	if err != nil {
		return fmt.Errorf("failed to describe instance %s: %w", i.InstanceID, err)
	}

	if len(result.Reservations) == 0 || len(result.Reservations[0].Instances) == 0 {
		return fmt.Errorf("EC2 instance not found: %s", i.InstanceID)
	}

	i.apply(result.Reservations[0].Instances[0])
	return nil
}

func (i *Instance) apply(raw types.Instance) {
	if raw.State != nil {
		i.state = string(raw.State.Name)
	}

	switch {
	case aws.ToString(raw.PublicIpAddress) != "":
		i.address = aws.ToString(raw.PublicIpAddress)
	case aws.ToString(raw.PublicDnsName) != "":
		i.address = aws.ToString(raw.PublicDnsName)
	case aws.ToString(raw.PrivateIpAddress) != "":
		i.address = aws.ToString(raw.PrivateIpAddress)
	}
}
