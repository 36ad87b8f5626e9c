package aws

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/ssh"

	"github.com/scttfrdmn/aws-distro-inventory/internal/aws/mocks"
)

const testRunID = "alice_build01_1a2b3c4d"

func testKeyMaterial(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block))
}

func newTestEnvironment(t *testing.T, client EC2API) (*Environment, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	env := NewEnvironment(zap.New(core), client, EnvironmentOptions{
		NetworkID:        "vpc-1",
		SettleDelay:      time.Millisecond,
		PollInterval:     time.Millisecond,
		TerminateTimeout: time.Second,
		RunID:            testRunID,
	})
	env.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return env, logs
}

func expectProvision(t *testing.T, client *mocks.EC2API) {
	t.Helper()
	client.On("CreateKeyPair", mock.Anything, mock.MatchedBy(func(in *ec2.CreateKeyPairInput) bool {
		return aws.ToString(in.KeyName) == testRunID && in.KeyType == types.KeyTypeEd25519
	})).Return(&ec2.CreateKeyPairOutput{
		KeyName:     aws.String(testRunID),
		KeyPairId:   aws.String("key-1"),
		KeyMaterial: aws.String(testKeyMaterial(t)),
	}, nil).Once()
	client.On("CreateSecurityGroup", mock.Anything, mock.MatchedBy(func(in *ec2.CreateSecurityGroupInput) bool {
		return aws.ToString(in.VpcId) == "vpc-1" && aws.ToString(in.GroupName) == testRunID
	})).Return(&ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-1")}, nil).Once()
	client.On("AuthorizeSecurityGroupIngress", mock.Anything, mock.MatchedBy(func(in *ec2.AuthorizeSecurityGroupIngressInput) bool {
		return aws.ToString(in.GroupId) == "sg-1" &&
			aws.ToString(in.IpProtocol) == "tcp" &&
			aws.ToInt32(in.FromPort) == 22 &&
			aws.ToInt32(in.ToPort) == 22 &&
			aws.ToString(in.CidrIp) == "0.0.0.0/0"
	})).Return(&ec2.AuthorizeSecurityGroupIngressOutput{}, nil).Once()
	client.On("DescribeSubnets", mock.Anything, mock.Anything).Return(&ec2.DescribeSubnetsOutput{
		Subnets: []types.Subnet{
			{SubnetId: aws.String("subnet-b")},
			{SubnetId: aws.String("subnet-a")},
		},
	}, nil).Once()
}

func expectDeletes(client *mocks.EC2API) {
	client.On("DeleteSecurityGroup", mock.Anything, mock.MatchedBy(func(in *ec2.DeleteSecurityGroupInput) bool {
		return aws.ToString(in.GroupId) == "sg-1"
	})).Return(&ec2.DeleteSecurityGroupOutput{}, nil).Once()
	client.On("DeleteKeyPair", mock.Anything, mock.MatchedBy(func(in *ec2.DeleteKeyPairInput) bool {
		return aws.ToString(in.KeyPairId) == "key-1"
	})).Return(&ec2.DeleteKeyPairOutput{}, nil).Once()
}

func expectLaunch(client *mocks.EC2API, imageID, instanceID string) {
	client.On("DescribeImages", mock.Anything, mock.MatchedBy(func(in *ec2.DescribeImagesInput) bool {
		return len(in.ImageIds) == 1 && in.ImageIds[0] == imageID
	})).Return(&ec2.DescribeImagesOutput{
		Images: []types.Image{{
			ImageId:     aws.String(imageID),
			Name:        aws.String("Amazon Linux 2"),
			Description: aws.String("AL2 x86_64"),
		}},
	}, nil).Once()
	client.On("RunInstances", mock.Anything, mock.MatchedBy(func(in *ec2.RunInstancesInput) bool {
		return aws.ToString(in.ImageId) == imageID &&
			aws.ToString(in.SubnetId) == "subnet-a" &&
			aws.ToString(in.KeyName) == testRunID &&
			aws.ToInt32(in.MinCount) == 1 && aws.ToInt32(in.MaxCount) == 1
	})).Return(&ec2.RunInstancesOutput{
		Instances: []types.Instance{{
			InstanceId:   aws.String(instanceID),
			InstanceType: types.InstanceTypeT2Micro,
			State:        &types.InstanceState{Name: types.InstanceStateNamePending},
		}},
	}, nil).Once()
	client.On("CreateTags", mock.Anything, mock.MatchedBy(func(in *ec2.CreateTagsInput) bool {
		return len(in.Resources) == 1 && in.Resources[0] == instanceID
	})).Return(&ec2.CreateTagsOutput{}, nil).Once()
}

func describeState(instanceID string, state types.InstanceStateName) *ec2.DescribeInstancesOutput {
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{
			Instances: []types.Instance{{
				InstanceId:      aws.String(instanceID),
				State:           &types.InstanceState{Name: state},
				PublicIpAddress: aws.String("203.0.113.10"),
			}},
		}},
	}
}

func TestEnvironment_ProvisionLaunchAndWait(t *testing.T) {
	client := mocks.NewEC2API(t)
	env, _ := newTestEnvironment(t, client)

	expectProvision(t, client)
	require.NoError(t, env.Provision(context.Background()))
	assert.NotNil(t, env.Signer())

	expectLaunch(client, "ami-1", "i-1")
	instance, err := env.Launch(context.Background(), "ami-1", "t2.micro", "alice")
	require.NoError(t, err)
	assert.Equal(t, "i-1", instance.ID())
	assert.Equal(t, "alice", instance.User)
	assert.Equal(t, "Amazon Linux 2", instance.Image.Name)
	assert.Equal(t, string(types.InstanceStateNamePending), instance.State())
	require.Len(t, env.Instances(), 1)

	client.On("DescribeInstances", mock.Anything, mock.Anything).
		Return(describeState("i-1", types.InstanceStateNameRunning), nil).Once()
	require.NoError(t, env.WaitFor(context.Background(), StateRunning, time.Second))
	assert.Equal(t, StateRunning, instance.State())
	assert.Equal(t, "203.0.113.10", instance.Address())
}

func TestEnvironment_LaunchRejected(t *testing.T) {
	rejected := &smithy.GenericAPIError{Code: "InvalidAMIID.Malformed", Message: "Invalid id: \"ami-bogus\""}

	tests := []struct {
		name   string
		expect func(client *mocks.EC2API)
		op     string
	}{
		{
			name: "image lookup rejected",
			expect: func(client *mocks.EC2API) {
				client.On("DescribeImages", mock.Anything, mock.Anything).Return(nil, rejected).Once()
			},
			op: "DescribeImages",
		},
		{
			name: "launch rejected",
			expect: func(client *mocks.EC2API) {
				client.On("DescribeImages", mock.Anything, mock.Anything).
					Return(&ec2.DescribeImagesOutput{Images: []types.Image{{ImageId: aws.String("ami-bogus")}}}, nil).Once()
				client.On("RunInstances", mock.Anything, mock.Anything).Return(nil, rejected).Once()
			},
			op: "RunInstances",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := mocks.NewEC2API(t)
			env, _ := newTestEnvironment(t, client)
			expectProvision(t, client)
			require.NoError(t, env.Provision(context.Background()))

			tt.expect(client)
			instance, err := env.Launch(context.Background(), "ami-bogus", "t2.micro", "ec2-user")
			assert.Nil(t, instance)

			var provErr *ProvisioningError
			require.ErrorAs(t, err, &provErr)
			assert.Equal(t, tt.op, provErr.Op)
			assert.Equal(t, "InvalidAMIID.Malformed", provErr.Code)
			assert.Empty(t, env.Instances(), "rejected launch must not add a record")
		})
	}
}

func TestEnvironment_LaunchBeforeProvision(t *testing.T) {
	client := mocks.NewEC2API(t)
	env, _ := newTestEnvironment(t, client)

	_, err := env.Launch(context.Background(), "ami-1", "t2.micro", "ec2-user")
	assert.Error(t, err)
	client.AssertNotCalled(t, "RunInstances", mock.Anything, mock.Anything)
}

func TestEnvironment_TaggingFailureIsNotFatal(t *testing.T) {
	client := mocks.NewEC2API(t)
	env, logs := newTestEnvironment(t, client)
	expectProvision(t, client)
	require.NoError(t, env.Provision(context.Background()))

	client.On("DescribeImages", mock.Anything, mock.Anything).
		Return(&ec2.DescribeImagesOutput{Images: []types.Image{{ImageId: aws.String("ami-1")}}}, nil).Once()
	client.On("RunInstances", mock.Anything, mock.Anything).
		Return(&ec2.RunInstancesOutput{Instances: []types.Instance{{InstanceId: aws.String("i-1")}}}, nil).Once()
	client.On("CreateTags", mock.Anything, mock.Anything).
		Return(nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound"}).Once()

	instance, err := env.Launch(context.Background(), "ami-1", "t2.micro", "ec2-user")
	require.NoError(t, err)
	assert.Equal(t, "i-1", instance.ID())
	assert.Equal(t, 1, logs.FilterMessage("Failed to tag instance").Len())
}

func TestEnvironment_NoSubnet(t *testing.T) {
	client := mocks.NewEC2API(t)
	env, _ := newTestEnvironment(t, client)

	client.On("CreateKeyPair", mock.Anything, mock.Anything).Return(&ec2.CreateKeyPairOutput{
		KeyPairId:   aws.String("key-1"),
		KeyMaterial: aws.String(testKeyMaterial(t)),
	}, nil).Once()
	client.On("CreateSecurityGroup", mock.Anything, mock.Anything).
		Return(&ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-1")}, nil).Once()
	client.On("AuthorizeSecurityGroupIngress", mock.Anything, mock.Anything).
		Return(&ec2.AuthorizeSecurityGroupIngressOutput{}, nil).Once()
	client.On("DescribeSubnets", mock.Anything, mock.Anything).
		Return(&ec2.DescribeSubnetsOutput{}, nil).Once()

	err := env.Provision(context.Background())
	var provErr *ProvisioningError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "NoSubnet", provErr.Code)
	assert.Equal(t, "vpc-1", provErr.ResourceID)
}

func TestEnvironment_DecommissionPartialProvision(t *testing.T) {
	client := mocks.NewEC2API(t)
	env, logs := newTestEnvironment(t, client)

	client.On("CreateKeyPair", mock.Anything, mock.Anything).Return(&ec2.CreateKeyPairOutput{
		KeyPairId:   aws.String("key-1"),
		KeyMaterial: aws.String(testKeyMaterial(t)),
	}, nil).Once()
	client.On("CreateSecurityGroup", mock.Anything, mock.Anything).
		Return(&ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-1")}, nil).Once()
	client.On("AuthorizeSecurityGroupIngress", mock.Anything, mock.Anything).
		Return(nil, &smithy.GenericAPIError{Code: "RulesPerSecurityGroupLimitExceeded"}).Once()

	err := env.Provision(context.Background())
	require.Error(t, err)

	expectDeletes(client)
	env.Decommission(context.Background())

	client.AssertNotCalled(t, "TerminateInstances", mock.Anything, mock.Anything)
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("Environment removed").Len())
}

func TestEnvironment_DecommissionIsIdempotent(t *testing.T) {
	client := mocks.NewEC2API(t)
	env, _ := newTestEnvironment(t, client)
	expectProvision(t, client)
	require.NoError(t, env.Provision(context.Background()))
	expectLaunch(client, "ami-1", "i-1")
	_, err := env.Launch(context.Background(), "ami-1", "t2.micro", "ec2-user")
	require.NoError(t, err)

	client.On("TerminateInstances", mock.Anything, mock.MatchedBy(func(in *ec2.TerminateInstancesInput) bool {
		return assert.ObjectsAreEqual([]string{"i-1"}, in.InstanceIds)
	})).Return(&ec2.TerminateInstancesOutput{}, nil).Once()
	client.On("DescribeInstances", mock.Anything, mock.Anything).
		Return(describeState("i-1", types.InstanceStateNameTerminated), nil).Once()
	expectDeletes(client)

	env.Decommission(context.Background())
	env.Decommission(context.Background())

	client.AssertNumberOfCalls(t, "TerminateInstances", 1)
	client.AssertNumberOfCalls(t, "DeleteSecurityGroup", 1)
	client.AssertNumberOfCalls(t, "DeleteKeyPair", 1)
	assert.Empty(t, env.Instances())
	assert.Nil(t, env.Signer())
}

func TestEnvironment_DecommissionContinuesAfterFailure(t *testing.T) {
	client := mocks.NewEC2API(t)
	env, logs := newTestEnvironment(t, client)
	expectProvision(t, client)
	require.NoError(t, env.Provision(context.Background()))
	expectLaunch(client, "ami-1", "i-1")
	_, err := env.Launch(context.Background(), "ami-1", "t2.micro", "ec2-user")
	require.NoError(t, err)

	client.On("TerminateInstances", mock.Anything, mock.Anything).
		Return(nil, errors.New("UnauthorizedOperation")).Once()
	expectDeletes(client)

	env.Decommission(context.Background())

	failures := logs.FilterMessage("Cleanup failed")
	require.Equal(t, 1, failures.Len())
	assert.Equal(t, "instances", failures.All()[0].ContextMap()["resource"])
	assert.Equal(t, 1, logs.FilterMessage("Environment removed with errors; check for leftover resources").Len())
}

func TestEnvironment_DecommissionRecoversPanic(t *testing.T) {
	client := mocks.NewEC2API(t)
	env, logs := newTestEnvironment(t, client)
	expectProvision(t, client)
	require.NoError(t, env.Provision(context.Background()))

	client.On("DeleteSecurityGroup", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("connection reset") }).Once()
	client.On("DeleteKeyPair", mock.Anything, mock.Anything).Return(&ec2.DeleteKeyPairOutput{}, nil).Once()

	assert.NotPanics(t, func() { env.Decommission(context.Background()) })
	assert.Equal(t, 1, logs.FilterMessage("Cleanup failed").Len())
	client.AssertNumberOfCalls(t, "DeleteKeyPair", 1)
}

func TestEnvironment_DecommissionIgnoresNotFound(t *testing.T) {
	client := mocks.NewEC2API(t)
	env, logs := newTestEnvironment(t, client)
	expectProvision(t, client)
	require.NoError(t, env.Provision(context.Background()))

	client.On("DeleteSecurityGroup", mock.Anything, mock.Anything).
		Return(nil, &smithy.GenericAPIError{Code: "InvalidGroup.NotFound"}).Once()
	client.On("DeleteKeyPair", mock.Anything, mock.Anything).
		Return(nil, &smithy.GenericAPIError{Code: "InvalidKeyPair.NotFound"}).Once()

	env.Decommission(context.Background())

	assert.Zero(t, logs.FilterMessage("Cleanup failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("Environment removed").Len())
}

func TestEnvironment_DecommissionBeforeProvision(t *testing.T) {
	client := mocks.NewEC2API(t)
	env, logs := newTestEnvironment(t, client)

	env.Decommission(context.Background())

	assert.Empty(t, client.Calls)
	assert.Equal(t, 1, logs.FilterMessage("Environment removed").Len())
}

func TestNewRunID(t *testing.T) {
	t.Setenv("USER", "alice")

	first := NewRunID()
	second := NewRunID()
	assert.Regexp(t, `^alice_.+_[0-9a-f]{8}$`, first)
	assert.NotEqual(t, first, second)
}

func TestInstance_Info(t *testing.T) {
	instance := newInstance(nil, types.Instance{
		InstanceId:       aws.String("i-1"),
		State:            &types.InstanceState{Name: types.InstanceStateNameRunning},
		PublicDnsName:    aws.String("ec2-203-0-113-10.compute.amazonaws.com"),
		PrivateIpAddress: aws.String("10.0.0.5"),
	}, Image{ID: "ami-1", Name: "CentOS 7", Description: "CentOS Linux 7 x86_64"}, "centos")

	info := instance.Info()
	assert.Equal(t, "i-1", info.InstanceID)
	assert.Equal(t, "ami-1", info.ImageID)
	assert.Equal(t, "CentOS 7", info.ImageName)
	assert.Equal(t, "CentOS Linux 7 x86_64", info.ImageDescription)
	assert.Equal(t, "ec2-203-0-113-10.compute.amazonaws.com", info.Address, "public DNS wins over private IP")
	assert.Equal(t, "centos", info.User)
	assert.Equal(t, StateRunning, info.State)
}
