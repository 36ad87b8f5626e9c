package aws

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	inventoryTypes "github.com/scttfrdmn/aws-distro-inventory/pkg/types"
)

// ManagedBy is the value of the ManagedBy tag on every created resource.
const ManagedBy = "aws-distro-inventory"

// EnvironmentOptions configures an Environment.
type EnvironmentOptions struct {
	// NetworkID is the VPC the security group and instances live in.
	NetworkID string

	// IngressCIDR and SSHPort define the single inbound rule.
	IngressCIDR string
	SSHPort     int32

	// SettleDelay is the pause after RunInstances before tagging.
	SettleDelay time.Duration

	PollInterval     time.Duration
	TerminateTimeout time.Duration

	// RunID names and tags every resource; generated when empty.
	RunID string
}

// Environment owns the EC2 resources of one run: a key pair, a security
// group and the instances launched into it. Decommission removes whatever
// has been created so far and is safe to call at any point, any number of
// times.
type Environment struct {
	logger *zap.Logger
	client EC2API
	poller *Poller
	opts   EnvironmentOptions
	sleep  func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	keyPair       *KeyPair
	securityGroup *SecurityGroup
	subnetID      string
	instances     []*Instance
}

// NewEnvironment creates an environment that has not created anything yet.
func NewEnvironment(logger *zap.Logger, client EC2API, opts EnvironmentOptions) *Environment {
	if opts.RunID == "" {
		opts.RunID = NewRunID()
	}
	if opts.IngressCIDR == "" {
		opts.IngressCIDR = "0.0.0.0/0"
	}
	if opts.SSHPort == 0 {
		opts.SSHPort = 22
	}

	return &Environment{
		logger: logger.With(zap.String("run_id", opts.RunID)),
		client: client,
		poller: NewPoller(logger),
		opts:   opts,
		sleep:  sleepContext,
	}
}

// NewRunID returns USER_hostname_suffix, where suffix is random.
func NewRunID() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s_%s_%s", user, host, uuid.NewString()[:8])
}

// RunID returns the identity used to name and tag resources.
func (e *Environment) RunID() string { return e.opts.RunID }

// Signer returns the SSH signer of the run's key pair, or nil before
// Provision has created it.
func (e *Environment) Signer() ssh.Signer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keyPair == nil {
		return nil
	}
	return e.keyPair.Signer
}

// Instances returns a snapshot of the managed instances.
func (e *Environment) Instances() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Instance(nil), e.instances...)
}

// Describe returns a snapshot of every managed instance, in launch order.
func (e *Environment) Describe() []inventoryTypes.InstanceInfo {
	instances := e.Instances()
	infos := make([]inventoryTypes.InstanceInfo, 0, len(instances))
	for _, i := range instances {
		infos = append(infos, i.Info())
	}
	return infos
}

// Provision creates the key pair and security group, opens the SSH port
// and resolves the subnet instances are launched into. Each resource is
// recorded as soon as it exists so Decommission can remove it even when a
// later step fails.
func (e *Environment) Provision(ctx context.Context) error {
	if err := e.createKeyPair(ctx); err != nil {
		return err
	}
	if err := e.createSecurityGroup(ctx); err != nil {
		return err
	}
	return e.resolveSubnet(ctx)
}

func (e *Environment) createKeyPair(ctx context.Context) error {
	name := e.opts.RunID

	result, err := e.client.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:           aws.String(name),
		KeyType:           types.KeyTypeEd25519,
		KeyFormat:         types.KeyFormatPem,
		TagSpecifications: e.tagSpecifications(types.ResourceTypeKeyPair),
	})
	if err != nil {
		return newProvisioningError("CreateKeyPair", name, err)
	}

	keyPair := &KeyPair{Name: name, KeyPairID: aws.ToString(result.KeyPairId)}
	e.mu.Lock()
	e.keyPair = keyPair
	e.mu.Unlock()

	e.logger.Info("Created key pair", zap.String("name", name), zap.String("key_pair_id", keyPair.KeyPairID))

	signer, err := ssh.ParsePrivateKey([]byte(aws.ToString(result.KeyMaterial)))
	if err != nil {
		return fmt.Errorf("failed to parse private key of key pair %s: %w", name, err)
	}

	e.mu.Lock()
	keyPair.Signer = signer
	e.mu.Unlock()
	return nil
}

func (e *Environment) createSecurityGroup(ctx context.Context) error {
	name := e.opts.RunID

	result, err := e.client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(name),
		Description:       aws.String("Temporary Security Group"),
		VpcId:             aws.String(e.opts.NetworkID),
		TagSpecifications: e.tagSpecifications(types.ResourceTypeSecurityGroup),
	})
	if err != nil {
		return newProvisioningError("CreateSecurityGroup", e.opts.NetworkID, err)
	}

	group := &SecurityGroup{ID: aws.ToString(result.GroupId), Name: name, VPCID: e.opts.NetworkID}
	e.mu.Lock()
	e.securityGroup = group
	e.mu.Unlock()

	e.logger.Info("Created security group", zap.String("security_group_id", group.ID))

	_, err = e.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:    aws.String(group.ID),
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(e.opts.SSHPort),
		ToPort:     aws.Int32(e.opts.SSHPort),
		CidrIp:     aws.String(e.opts.IngressCIDR),
	})
	if err != nil {
		return newProvisioningError("AuthorizeSecurityGroupIngress", group.ID, err)
	}

	e.logger.Debug("Authorized SSH ingress",
		zap.String("security_group_id", group.ID),
		zap.String("cidr", e.opts.IngressCIDR),
		zap.Int32("port", e.opts.SSHPort))
	return nil
}

func (e *Environment) resolveSubnet(ctx context.Context) error {
	result, err := e.client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{e.opts.NetworkID}},
			{Name: aws.String("state"), Values: []string{string(types.SubnetStateAvailable)}},
		},
	})
	if err != nil {
		return newProvisioningError("DescribeSubnets", e.opts.NetworkID, err)
	}

	subnetIDs := make([]string, 0, len(result.Subnets))
	for _, subnet := range result.Subnets {
		subnetIDs = append(subnetIDs, aws.ToString(subnet.SubnetId))
	}
	if len(subnetIDs) == 0 {
		return &ProvisioningError{
			Op:         "DescribeSubnets",
			ResourceID: e.opts.NetworkID,
			Code:       "NoSubnet",
			Message:    "no available subnet in network",
		}
	}
	sort.Strings(subnetIDs)

	e.mu.Lock()
	e.subnetID = subnetIDs[0]
	e.mu.Unlock()

	e.logger.Debug("Selected subnet", zap.String("subnet_id", subnetIDs[0]), zap.Int("available", len(subnetIDs)))
	return nil
}

// Launch starts one instance of imageID in the run's subnet and security
// group and adds it to the managed set. Nothing is added when EC2 rejects
// the image lookup or the launch.
func (e *Environment) Launch(ctx context.Context, imageID, instanceType, user string) (*Instance, error) {
	e.mu.Lock()
	keyPair, group, subnetID := e.keyPair, e.securityGroup, e.subnetID
	e.mu.Unlock()
	if keyPair == nil || group == nil || subnetID == "" {
		return nil, fmt.Errorf("environment %s is not provisioned", e.opts.RunID)
	}

	image, err := e.describeImage(ctx, imageID)
	if err != nil {
		return nil, err
	}

	result, err := e.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:          aws.String(imageID),
		InstanceType:     types.InstanceType(instanceType),
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		KeyName:          aws.String(keyPair.Name),
		SubnetId:         aws.String(subnetID),
		SecurityGroupIds: []string{group.ID},
		TagSpecifications: e.tagSpecifications(types.ResourceTypeInstance,
			types.Tag{Key: aws.String("Image"), Value: aws.String(imageID)}),
	})
	if err != nil {
		return nil, newProvisioningError("RunInstances", imageID, err)
	}
	if len(result.Instances) == 0 {
		return nil, &ProvisioningError{Op: "RunInstances", ResourceID: imageID, Code: "NoInstance", Message: "no instance returned from launch"}
	}

	instance := newInstance(e.client, result.Instances[0], image, user)
	e.mu.Lock()
	e.instances = append(e.instances, instance)
	e.mu.Unlock()

	e.logger.Info("Created instance",
		zap.String("instance_id", instance.ID()),
		zap.String("image_id", imageID),
		zap.String("image_name", image.Name),
		zap.String("user", user))

	// EC2 is eventually consistent; a freshly launched instance id is not
	// always visible to the next call.
	if err := e.sleep(ctx, e.opts.SettleDelay); err != nil {
		return nil, err
	}

	_, err = e.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instance.ID()},
		Tags: []types.Tag{
			{Key: aws.String("Name"), Value: aws.String(e.opts.RunID + "-" + imageID)},
			{Key: aws.String("Image"), Value: aws.String(imageID)},
			{Key: aws.String("LoginUser"), Value: aws.String(user)},
		},
	})
	if err != nil {
		e.logger.Warn("Failed to tag instance", zap.String("instance_id", instance.ID()), zap.Error(err))
	}

	return instance, nil
}

func (e *Environment) describeImage(ctx context.Context, imageID string) (Image, error) {
	result, err := e.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	})
	if err != nil {
		return Image{}, newProvisioningError("DescribeImages", imageID, err)
	}
	if len(result.Images) == 0 {
		return Image{}, &ProvisioningError{Op: "DescribeImages", ResourceID: imageID, Code: "ImageNotFound", Message: "image does not exist or is not visible"}
	}

	raw := result.Images[0]
	return Image{
		ID:          imageID,
		Name:        aws.ToString(raw.Name),
		Description: aws.ToString(raw.Description),
	}, nil
}

// WaitFor blocks until every managed instance reports target or timeout
// elapses.
func (e *Environment) WaitFor(ctx context.Context, target string, timeout time.Duration) error {
	return e.poller.WaitForState(ctx, handles(e.Instances()), target, timeout, e.opts.PollInterval)
}

// Decommission terminates the instances and deletes the security group and
// key pair. Each resource class is attempted even if an earlier one
// failed; failures are logged, never returned. Resources already removed
// by a previous call are skipped.
func (e *Environment) Decommission(ctx context.Context) {
	e.logger.Info("Removing environment")

	steps := []struct {
		resource string
		fn       func(context.Context) error
	}{
		{"instances", e.terminateInstances},
		{"security group", e.deleteSecurityGroup},
		{"key pair", e.deleteKeyPair},
	}

	failed := 0
	for _, step := range steps {
		if err := runCleanupStep(ctx, step.resource, step.fn); err != nil {
			failed++
			e.logger.Error("Cleanup failed", zap.String("resource", step.resource), zap.Error(err))
		}
	}

	if failed > 0 {
		e.logger.Warn("Environment removed with errors; check for leftover resources",
			zap.Int("failed_steps", failed),
			zap.String("tag", "RunID="+e.opts.RunID))
		return
	}
	e.logger.Info("Environment removed")
}

func runCleanupStep(ctx context.Context, resource string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while removing %s: %v", resource, r)
		}
	}()
	return fn(ctx)
}

func (e *Environment) terminateInstances(ctx context.Context) error {
	e.mu.Lock()
	instances := e.instances
	e.instances = nil
	e.mu.Unlock()

	if len(instances) == 0 {
		return nil
	}

	instanceIDs := ids(handles(instances))
	e.logger.Info("Terminating instances", zap.Strings("instance_ids", instanceIDs))

	_, err := e.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: instanceIDs,
	})
	if err != nil {
		if IsNotFound(err) {
			e.logger.Debug("Instances already gone", zap.Strings("instance_ids", instanceIDs))
			return nil
		}
		return fmt.Errorf("failed to terminate instances: %w", err)
	}

	if err := e.poller.WaitForState(ctx, handles(instances), StateTerminated, e.opts.TerminateTimeout, e.opts.PollInterval); err != nil {
		return fmt.Errorf("failed waiting for termination: %w", err)
	}

	e.logger.Info("Terminated instances", zap.Strings("instance_ids", instanceIDs))
	return nil
}

func (e *Environment) deleteSecurityGroup(ctx context.Context) error {
	e.mu.Lock()
	group := e.securityGroup
	e.securityGroup = nil
	e.mu.Unlock()

	if group == nil {
		return nil
	}

	_, err := e.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupId: aws.String(group.ID),
	})
	if err != nil {
		if IsNotFound(err) {
			e.logger.Debug("Security group already gone", zap.String("security_group_id", group.ID))
			return nil
		}
		return fmt.Errorf("failed to delete security group %s: %w", group.ID, err)
	}

	e.logger.Info("Deleted security group", zap.String("security_group_id", group.ID))
	return nil
}

func (e *Environment) deleteKeyPair(ctx context.Context) error {
	e.mu.Lock()
	keyPair := e.keyPair
	e.keyPair = nil
	e.mu.Unlock()

	if keyPair == nil {
		return nil
	}

	input := &ec2.DeleteKeyPairInput{KeyName: aws.String(keyPair.Name)}
	if keyPair.KeyPairID != "" {
		input = &ec2.DeleteKeyPairInput{KeyPairId: aws.String(keyPair.KeyPairID)}
	}

	if _, err := e.client.DeleteKeyPair(ctx, input); err != nil {
		if IsNotFound(err) {
			e.logger.Debug("Key pair already gone", zap.String("name", keyPair.Name))
			return nil
		}
		return fmt.Errorf("failed to delete key pair %s: %w", keyPair.Name, err)
	}

	e.logger.Info("Deleted key pair", zap.String("name", keyPair.Name))
	return nil
}

func (e *Environment) tagSpecifications(resourceType types.ResourceType, extra ...types.Tag) []types.TagSpecification {
	tags := []types.Tag{
		{Key: aws.String("Name"), Value: aws.String(e.opts.RunID)},
		{Key: aws.String("ManagedBy"), Value: aws.String(ManagedBy)},
		{Key: aws.String("RunID"), Value: aws.String(e.opts.RunID)},
	}
	return []types.TagSpecification{{
		ResourceType: resourceType,
		Tags:         append(tags, extra...),
	}}
}

func handles(instances []*Instance) []StateHandle {
	out := make([]StateHandle, 0, len(instances))
	for _, i := range instances {
		out = append(out, i)
	}
	return out
}
