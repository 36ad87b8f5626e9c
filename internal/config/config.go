package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// DISTRO_INVENTORY_AWS_REGION.
const EnvPrefix = "DISTRO_INVENTORY"

// Config represents the complete application configuration
type Config struct {
	AWS       AWSConfig       `mapstructure:"aws"`
	Instances InstancesConfig `mapstructure:"instances"`
	Network   NetworkConfig   `mapstructure:"network"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Output    OutputConfig    `mapstructure:"output"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AWSConfig contains AWS-specific configuration
type AWSConfig struct {
	Region           string `mapstructure:"region"`
	Profile          string `mapstructure:"profile"`
	RetryMaxAttempts int    `mapstructure:"retry_max_attempts"`
	RetryMode        string `mapstructure:"retry_mode"`

	AuthenticationMethod string            `mapstructure:"authentication_method"`
	AssumeRole           *AssumeRoleConfig `mapstructure:"assume_role"`
	AccessKeys           *AccessKeysConfig `mapstructure:"access_keys"`
}

// AccessKeysConfig contains static access key configuration (DISCOURAGED)
type AccessKeysConfig struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// AssumeRoleConfig contains STS AssumeRole configuration
type AssumeRoleConfig struct {
	RoleARN         string `mapstructure:"role_arn"`
	SessionName     string `mapstructure:"session_name"`
	DurationSeconds int32  `mapstructure:"duration_seconds"`
	ExternalID      string `mapstructure:"external_id"`
}

// InstancesConfig controls how instances are launched and awaited
type InstancesConfig struct {
	Type                    string `mapstructure:"type"`
	DefaultUser             string `mapstructure:"default_user"`
	RunTimeoutSeconds       int    `mapstructure:"run_timeout_seconds"`
	TerminateTimeoutSeconds int    `mapstructure:"terminate_timeout_seconds"`
	PollIntervalSeconds     int    `mapstructure:"poll_interval_seconds"`
	SettleDelayMillis       int    `mapstructure:"settle_delay_ms"`
}

// NetworkConfig contains the security group ingress settings
type NetworkConfig struct {
	IngressCIDR string `mapstructure:"ingress_cidr"`
}

// RemoteConfig contains SSH execution settings
type RemoteConfig struct {
	Port                  int    `mapstructure:"port"`
	MaxAttempts           int    `mapstructure:"max_attempts"`
	AttemptTimeoutSeconds int    `mapstructure:"attempt_timeout_seconds"`
	RetryDelaySeconds     int    `mapstructure:"retry_delay_seconds"`
	MaxConcurrency        int    `mapstructure:"max_concurrency"`
	InstallCommand        string `mapstructure:"install_command"`
	QueryCommand          string `mapstructure:"query_command"`
}

// OutputConfig controls where result files are written
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"region":      "aws.region",
	"profile":     "aws.profile",
	"type":        "instances.type",
	"defaultuser": "instances.default_user",
	"run-timeout": "instances.run_timeout_seconds",
	"concurrency": "remote.max_concurrency",
	"output-dir":  "output.dir",
}

// Load builds the configuration from defaults, the optional file at
// configPath, DISTRO_INVENTORY_* environment variables and flags, in
// increasing order of precedence. flags may be nil.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	normalize(&config)

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("aws.region", "eu-west-1")
	v.SetDefault("aws.retry_max_attempts", 3)
	v.SetDefault("aws.retry_mode", "standard")
	v.SetDefault("aws.authentication_method", "default")

	v.SetDefault("instances.type", "t2.micro")
	v.SetDefault("instances.default_user", "ec2-user")
	v.SetDefault("instances.run_timeout_seconds", 120)
	v.SetDefault("instances.terminate_timeout_seconds", 300)
	v.SetDefault("instances.poll_interval_seconds", 10)
	v.SetDefault("instances.settle_delay_ms", 1000)

	v.SetDefault("network.ingress_cidr", "0.0.0.0/0")

	v.SetDefault("remote.port", 22)
	v.SetDefault("remote.max_attempts", 10)
	v.SetDefault("remote.attempt_timeout_seconds", 30)
	v.SetDefault("remote.retry_delay_seconds", 5)
	v.SetDefault("remote.max_concurrency", 16)
	v.SetDefault("remote.install_command", "sudo yum -y -q install yum-utils")
	v.SetDefault("remote.query_command", "repoquery -a --qf '%{name}' | sort -u")

	v.SetDefault("output.dir", ".")

	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.format", "console")
}

// bindFlags binds the known flags present in flags and maps --verbose and
// --debug onto the log level. --debug wins over --verbose.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}

	if on, _ := flags.GetBool("debug"); on {
		v.Set("logging.level", "debug")
	} else if on, _ := flags.GetBool("verbose"); on {
		v.Set("logging.level", "info")
	}
	return nil
}

// validate performs configuration validation
func validate(config *Config) error {
	if err := validateAWS(&config.AWS); err != nil {
		return err
	}
	if err := validateInstances(&config.Instances); err != nil {
		return err
	}
	if _, _, err := net.ParseCIDR(config.Network.IngressCIDR); err != nil {
		return fmt.Errorf("network.ingress_cidr is not a valid CIDR: %w", err)
	}
	if err := validateRemote(&config.Remote); err != nil {
		return err
	}
	return validateLogging(&config.Logging)
}

// validateAWS validates AWS configuration
func validateAWS(aws *AWSConfig) error {
	if aws.Region == "" {
		return fmt.Errorf("aws.region is required")
	}
	if aws.RetryMaxAttempts < 0 {
		return fmt.Errorf("aws.retry_max_attempts cannot be negative")
	}
	if aws.RetryMode != "standard" && aws.RetryMode != "adaptive" {
		return fmt.Errorf("aws.retry_mode must be 'standard' or 'adaptive'")
	}

	switch aws.AuthenticationMethod {
	case "default", "profile":
	case "assume_role":
		if aws.AssumeRole == nil || aws.AssumeRole.RoleARN == "" {
			return fmt.Errorf("aws.assume_role.role_arn is required for assume_role authentication")
		}
	case "access_keys":
		if aws.AccessKeys == nil || aws.AccessKeys.AccessKeyID == "" || aws.AccessKeys.SecretAccessKey == "" {
			return fmt.Errorf("aws.access_keys requires access_key_id and secret_access_key")
		}
	default:
		return fmt.Errorf("aws.authentication_method must be one of: default, profile, assume_role, access_keys")
	}
	return nil
}

// validateInstances validates launch and polling settings
func validateInstances(instances *InstancesConfig) error {
	if instances.Type == "" {
		return fmt.Errorf("instances.type is required")
	}
	if instances.DefaultUser == "" {
		return fmt.Errorf("instances.default_user is required")
	}
	if instances.RunTimeoutSeconds <= 0 {
		return fmt.Errorf("instances.run_timeout_seconds must be positive")
	}
	if instances.TerminateTimeoutSeconds <= 0 {
		return fmt.Errorf("instances.terminate_timeout_seconds must be positive")
	}
	if instances.PollIntervalSeconds <= 0 {
		return fmt.Errorf("instances.poll_interval_seconds must be positive")
	}
	if instances.SettleDelayMillis < 0 {
		return fmt.Errorf("instances.settle_delay_ms cannot be negative")
	}
	return nil
}

// validateRemote validates SSH execution settings
func validateRemote(remote *RemoteConfig) error {
	if remote.Port <= 0 || remote.Port > 65535 {
		return fmt.Errorf("remote.port must be between 1 and 65535")
	}
	if remote.MaxAttempts <= 0 {
		return fmt.Errorf("remote.max_attempts must be positive")
	}
	if remote.AttemptTimeoutSeconds <= 0 {
		return fmt.Errorf("remote.attempt_timeout_seconds must be positive")
	}
	if remote.RetryDelaySeconds < 0 {
		return fmt.Errorf("remote.retry_delay_seconds cannot be negative")
	}
	if remote.MaxConcurrency <= 0 {
		return fmt.Errorf("remote.max_concurrency must be positive")
	}
	if strings.TrimSpace(remote.QueryCommand) == "" {
		return fmt.Errorf("remote.query_command is required")
	}
	return nil
}

// validateLogging validates logging configuration
func validateLogging(logging *LoggingConfig) error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	valid := false
	for _, level := range validLogLevels {
		if logging.Level == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("logging.level must be one of: %s", strings.Join(validLogLevels, ", "))
	}
	if logging.Format != "console" && logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'console' or 'json'")
	}
	return nil
}

// normalize performs configuration normalization
func normalize(config *Config) {
	if config.Output.Dir == "" {
		config.Output.Dir = "."
	}
	config.Output.Dir = filepath.Clean(config.Output.Dir)
	config.Remote.InstallCommand = strings.TrimSpace(config.Remote.InstallCommand)
	config.Remote.QueryCommand = strings.TrimSpace(config.Remote.QueryCommand)
}

// RunTimeout is the bound on waiting for launched instances to run.
func (c InstancesConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

// TerminateTimeout is the bound on waiting for termination during cleanup.
func (c InstancesConfig) TerminateTimeout() time.Duration {
	return time.Duration(c.TerminateTimeoutSeconds) * time.Second
}

// PollInterval is the fixed delay between state checks.
func (c InstancesConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SettleDelay is the pause after RunInstances before follow-up calls.
func (c InstancesConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMillis) * time.Millisecond
}

// AttemptTimeout bounds a single SSH connection attempt.
func (c RemoteConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

// RetryDelay is the pause between SSH connection attempts.
func (c RemoteConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// SetupLogger creates a zap logger with the configured settings.
// Stack traces are attached to error level entries only.
func (c *Config) SetupLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var zc zap.Config
	switch c.Logging.Format {
	case "json":
		zc = zap.NewProductionConfig()
	default:
		zc = zap.NewDevelopmentConfig()
		zc.Encoding = "console"
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.DisableStacktrace = true

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return logger, nil
}
