package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/scttfrdmn/aws-distro-inventory/internal/config"
	"go.uber.org/zap"
)

// EC2API is the subset of the EC2 API used to provision and tear down an
// inventory environment. *ec2.Client satisfies it.
//
//go:generate mockery --name=EC2API --output=./mocks
type EC2API interface {
	CreateKeyPair(ctx context.Context, params *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error)
	DeleteKeyPair(ctx context.Context, params *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error)
	CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

var _ EC2API = (*ec2.Client)(nil)

// NewEC2Client creates an EC2 client for the configured region using the
// configured authentication method.
func NewEC2Client(ctx context.Context, logger *zap.Logger, awsConfig *config.AWSConfig) (*ec2.Client, error) {
	auth := NewAuthenticationProvider(logger, awsConfig)

	cfg, err := auth.GetAWSConfig(ctx, awsConfig.Region)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	identity, err := auth.CallerIdentity(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("credential validation failed: %w", err)
	}

	logger.Info("AWS credentials validated",
		zap.String("region", cfg.Region),
		zap.String("account", identity.Account),
		zap.String("arn", identity.ARN))

	return ec2.NewFromConfig(cfg), nil
}
