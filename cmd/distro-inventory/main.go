package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scttfrdmn/aws-distro-inventory/internal/aws"
	"github.com/scttfrdmn/aws-distro-inventory/internal/config"
	"github.com/scttfrdmn/aws-distro-inventory/internal/inventory"
	"github.com/scttfrdmn/aws-distro-inventory/internal/remote"
	"github.com/scttfrdmn/aws-distro-inventory/pkg/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// exitInterrupted is the conventional status for termination by SIGINT.
const exitInterrupted = 130

// cleanupGrace is added to the terminate timeout to bound the whole
// decommission.
const cleanupGrace = time.Minute

var (
	configFile string
	logger     *zap.Logger
)

func main() {
	var err error
	logger, err = zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = newRootCmd().ExecuteContext(ctx)
	interrupted := ctx.Err() != nil
	stop()

	switch {
	case interrupted:
		_ = logger.Sync()
		os.Exit(exitInterrupted)
	case err != nil:
		logger.Error("Command execution failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "distro-inventory [options] NETWORK_ID [USER@]IMAGE_ID...",
		Short: "Collect the package inventory of EC2 machine images",
		Long: `Launch one temporary instance per machine image into a VPC, wait for
them to run, and write the names of the packages each image provides to
IMAGEID_name_description.txt.

A key pair and security group are created for the run. Every created
resource is removed before exit, including on failure and interrupt.`,
		Args:          cobra.MinimumNArgs(2),
		SilenceErrors: true,
		RunE:          runInventory,
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file path")
	flags.StringP("region", "r", "eu-west-1", "AWS region")
	flags.String("profile", "", "AWS shared config profile")
	flags.StringP("type", "t", "t2.micro", "Instance type")
	flags.StringP("defaultuser", "u", "ec2-user", "Login user for images given without USER@")
	flags.Int("run-timeout", 120, "Seconds to wait for instances to reach running")
	flags.Int("concurrency", 16, "Maximum number of hosts inventoried at once")
	flags.StringP("output-dir", "o", ".", "Directory inventory files are written to")
	flags.BoolP("verbose", "v", false, "Log progress")
	flags.BoolP("debug", "d", false, "Log debugging detail")

	rootCmd.AddCommand(validateConfigCmd())

	return rootCmd
}

func runInventory(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err = cfg.SetupLogger()
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	networkID := args[0]
	images, err := types.ParseImageSpecs(args[1:], cfg.Instances.DefaultUser)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	client, err := aws.NewEC2Client(ctx, logger, &cfg.AWS)
	if err != nil {
		return err
	}

	runner, err := remote.NewRunner(logger,
		&remote.SSHDialer{Port: cfg.Remote.Port, Timeout: cfg.Remote.AttemptTimeout()},
		remote.Options{
			MaxAttempts:    cfg.Remote.MaxAttempts,
			AttemptTimeout: cfg.Remote.AttemptTimeout(),
			RetryDelay:     cfg.Remote.RetryDelay(),
			MaxConcurrency: cfg.Remote.MaxConcurrency,
			InstallCommand: cfg.Remote.InstallCommand,
			QueryCommand:   cfg.Remote.QueryCommand,
		})
	if err != nil {
		return err
	}

	newEnvironment := func(network string) inventory.Lifecycle {
		return aws.NewEnvironment(logger, client, aws.EnvironmentOptions{
			NetworkID:        network,
			IngressCIDR:      cfg.Network.IngressCIDR,
			SSHPort:          int32(cfg.Remote.Port),
			SettleDelay:      cfg.Instances.SettleDelay(),
			PollInterval:     cfg.Instances.PollInterval(),
			TerminateTimeout: cfg.Instances.TerminateTimeout(),
		})
	}

	driver := inventory.NewDriver(logger, newEnvironment, runner, inventory.Options{
		OutputDir:      cfg.Output.Dir,
		RunTimeout:     cfg.Instances.RunTimeout(),
		CleanupTimeout: cfg.Instances.TerminateTimeout() + cleanupGrace,
	})

	logger.Info("Inventory request received",
		zap.String("network_id", networkID),
		zap.Int("image_count", len(images)),
		zap.String("instance_type", cfg.Instances.Type),
		zap.String("region", cfg.AWS.Region))

	report, err := driver.Run(ctx, inventory.Request{
		NetworkID:    networkID,
		Images:       images,
		InstanceType: cfg.Instances.Type,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Interrupted; environment removed")
		}
		return err
	}

	printReport(cmd.OutOrStdout(), report)
	return nil
}

func printReport(w io.Writer, report *inventory.Report) {
	for _, written := range report.Written {
		fmt.Fprintln(w, written.OutputFile)
	}
	for _, failed := range report.Failed {
		fmt.Fprintf(w, "FAILED %s (%s): %s\n", failed.ImageID, failed.InstanceID, failed.Error)
	}
}
