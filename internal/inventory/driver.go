// Package inventory drives one inventory run: it brings up an instance per
// requested image, collects each instance's package list and writes it to
// a file, removing every created resource before returning.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/scttfrdmn/aws-distro-inventory/internal/aws"
	"github.com/scttfrdmn/aws-distro-inventory/internal/remote"
	"github.com/scttfrdmn/aws-distro-inventory/pkg/types"
)

// Lifecycle is the set of environment operations a run needs; it is
// satisfied by *aws.Environment.
type Lifecycle interface {
	RunID() string
	Provision(ctx context.Context) error
	Launch(ctx context.Context, imageID, instanceType, user string) (*aws.Instance, error)
	WaitFor(ctx context.Context, target string, timeout time.Duration) error
	Describe() []types.InstanceInfo
	Signer() ssh.Signer
	Decommission(ctx context.Context)
}

var _ Lifecycle = (*aws.Environment)(nil)

// InventoryRunner collects the package inventory of many hosts; it is
// satisfied by *remote.Runner.
type InventoryRunner interface {
	Run(ctx context.Context, hosts []remote.Host, signer ssh.Signer) []remote.Result
}

var _ InventoryRunner = (*remote.Runner)(nil)

// EnvironmentFactory creates the environment for a run in networkID.
type EnvironmentFactory func(networkID string) Lifecycle

// Options configures a Driver.
type Options struct {
	OutputDir      string
	RunTimeout     time.Duration
	CleanupTimeout time.Duration
}

// Request describes one run.
type Request struct {
	NetworkID    string
	Images       []types.ImageSpec
	InstanceType string
}

// Report lists the instances whose inventory was written and those whose
// inventory failed.
type Report struct {
	RunID   string
	Written []types.InstanceInfo
	Failed  []types.InstanceInfo
}

// Driver runs inventory requests.
type Driver struct {
	logger         *zap.Logger
	newEnvironment EnvironmentFactory
	runner         InventoryRunner
	opts           Options
}

// NewDriver creates a driver.
func NewDriver(logger *zap.Logger, newEnvironment EnvironmentFactory, runner InventoryRunner, opts Options) *Driver {
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	return &Driver{
		logger:         logger,
		newEnvironment: newEnvironment,
		runner:         runner,
		opts:           opts,
	}
}

// Run provisions the environment, launches one instance per image, waits
// for them to run and collects their inventories. The environment is
// decommissioned before Run returns, on success, failure and cancellation
// alike.
//
// A host whose inventory fails is logged and listed in Report.Failed; it
// does not fail the run. Provisioning, launch and wait errors abort the
// run and are returned.
func (d *Driver) Run(ctx context.Context, req Request) (*Report, error) {
	if len(req.Images) == 0 {
		return nil, errors.New("no images requested")
	}

	env := d.newEnvironment(req.NetworkID)
	logger := d.logger.With(zap.String("run_id", env.RunID()))

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.CleanupTimeout)
		defer cancel()
		env.Decommission(cleanupCtx)
	}()

	if err := env.Provision(ctx); err != nil {
		return nil, fmt.Errorf("failed to provision environment: %w", err)
	}

	for _, image := range req.Images {
		if _, err := env.Launch(ctx, image.ImageID, req.InstanceType, image.User); err != nil {
			return nil, fmt.Errorf("failed to launch %s: %w", image, err)
		}
	}

	if err := env.WaitFor(ctx, aws.StateRunning, d.opts.RunTimeout); err != nil {
		return nil, fmt.Errorf("instances did not start: %w", err)
	}

	instances := env.Describe()
	hosts := make([]remote.Host, 0, len(instances))
	for _, instance := range instances {
		hosts = append(hosts, remote.Host{Address: instance.Address, User: instance.User})
	}

	logger.Info("Collecting package inventories", zap.Int("hosts", len(hosts)))
	results := d.runner.Run(ctx, hosts, env.Signer())
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &Report{RunID: env.RunID()}
	for i, result := range results {
		info := instances[i]

		if result.Err != nil {
			info.Error = result.Err.Error()
			logger.Error("Failed to collect package inventory",
				zap.String("instance_id", info.InstanceID),
				zap.String("image_id", info.ImageID),
				zap.String("host", info.Address),
				zap.Error(result.Err))
			report.Failed = append(report.Failed, info)
			continue
		}

		path, err := writeInventory(d.opts.OutputDir, info, result.Output)
		if err != nil {
			info.Error = err.Error()
			logger.Error("Failed to write package inventory",
				zap.String("instance_id", info.InstanceID),
				zap.Error(err))
			report.Failed = append(report.Failed, info)
			continue
		}

		info.OutputFile = path
		logger.Info("Wrote package inventory",
			zap.String("image_id", info.ImageID),
			zap.String("image_name", info.ImageName),
			zap.String("file", path))
		report.Written = append(report.Written, info)
	}

	return report, nil
}
