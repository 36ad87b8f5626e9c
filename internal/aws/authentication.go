package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/scttfrdmn/aws-distro-inventory/internal/config"
	"go.uber.org/zap"
)

// AuthenticationMethod represents different AWS authentication approaches
type AuthenticationMethod string

const (
	AuthMethodDefault    AuthenticationMethod = "default"     // Default credential chain
	AuthMethodProfile    AuthenticationMethod = "profile"     // Named AWS profile
	AuthMethodAssumeRole AuthenticationMethod = "assume_role" // STS AssumeRole
	AuthMethodAccessKeys AuthenticationMethod = "access_keys" // Static access keys (DISCOURAGED)
)

// defaultSessionName is used for assumed roles when none is configured.
const defaultSessionName = "aws-distro-inventory"

// AuthenticationProvider handles various AWS authentication methods
type AuthenticationProvider struct {
	logger *zap.Logger
	config *config.AWSConfig
}

// NewAuthenticationProvider creates a new authentication provider
func NewAuthenticationProvider(logger *zap.Logger, awsConfig *config.AWSConfig) *AuthenticationProvider {
	return &AuthenticationProvider{
		logger: logger,
		config: awsConfig,
	}
}

// GetAWSConfig returns an AWS config with the configured authentication method
func (a *AuthenticationProvider) GetAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	a.logger.Info("Configuring AWS authentication",
		zap.String("method", a.config.AuthenticationMethod),
		zap.String("region", region))

	switch AuthenticationMethod(a.config.AuthenticationMethod) {
	case AuthMethodDefault, "":
		return a.getDefaultConfig(ctx, region)
	case AuthMethodProfile:
		return a.getProfileConfig(ctx, region)
	case AuthMethodAssumeRole:
		return a.getAssumeRoleConfig(ctx, region)
	case AuthMethodAccessKeys:
		return a.getAccessKeysConfig(ctx, region)
	default:
		return aws.Config{}, fmt.Errorf("unsupported authentication method: %s", a.config.AuthenticationMethod)
	}
}

// baseOptions are applied to every loaded config
func (a *AuthenticationProvider) baseOptions(region string) []func(*awsconfig.LoadOptions) error {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if a.config.RetryMaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(a.config.RetryMaxAttempts))
	}
	if a.config.RetryMode != "" {
		opts = append(opts, awsconfig.WithRetryMode(aws.RetryMode(a.config.RetryMode)))
	}
	return opts
}

// getDefaultConfig uses default AWS credential chain, honoring a profile if set
func (a *AuthenticationProvider) getDefaultConfig(ctx context.Context, region string) (aws.Config, error) {
	a.logger.Debug("Using default AWS credential chain")

	opts := a.baseOptions(region)
	if a.config.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(a.config.Profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load default config: %w", err)
	}
	return cfg, nil
}

// getProfileConfig uses named AWS profile
func (a *AuthenticationProvider) getProfileConfig(ctx context.Context, region string) (aws.Config, error) {
	profile := a.config.Profile
	if profile == "" {
		profile = "default"
	}

	a.logger.Debug("Using AWS profile authentication", zap.String("profile", profile))

	opts := append(a.baseOptions(region), awsconfig.WithSharedConfigProfile(profile))
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load profile config: %w", err)
	}
	return cfg, nil
}

// getAssumeRoleConfig uses STS AssumeRole for authentication
func (a *AuthenticationProvider) getAssumeRoleConfig(ctx context.Context, region string) (aws.Config, error) {
	if a.config.AssumeRole == nil || a.config.AssumeRole.RoleARN == "" {
		return aws.Config{}, fmt.Errorf("assume_role configuration required")
	}
	role := a.config.AssumeRole

	a.logger.Debug("Using STS AssumeRole authentication",
		zap.String("role_arn", role.RoleARN),
		zap.String("session_name", role.SessionName))

	baseCfg, err := a.getDefaultConfig(ctx, region)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load base config: %w", err)
	}

	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(baseCfg), role.RoleARN, func(options *stscreds.AssumeRoleOptions) {
		options.RoleSessionName = role.SessionName
		if options.RoleSessionName == "" {
			options.RoleSessionName = defaultSessionName
		}
		if role.DurationSeconds > 0 {
			options.Duration = time.Duration(role.DurationSeconds) * time.Second
		}
		if role.ExternalID != "" {
			options.ExternalID = aws.String(role.ExternalID)
		}
	})

	opts := append(a.baseOptions(region), awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(provider)))
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to configure assume role: %w", err)
	}
	return cfg, nil
}

// getAccessKeysConfig uses static access keys (DISCOURAGED)
func (a *AuthenticationProvider) getAccessKeysConfig(ctx context.Context, region string) (aws.Config, error) {
	keys := a.config.AccessKeys
	if keys == nil || keys.AccessKeyID == "" {
		return aws.Config{}, fmt.Errorf("access_keys configuration required")
	}

	a.logger.Warn("Using static access keys",
		zap.String("recommendation", "use profile or assume_role instead"))

	provider := credentials.NewStaticCredentialsProvider(keys.AccessKeyID, keys.SecretAccessKey, keys.SessionToken)
	opts := append(a.baseOptions(region), awsconfig.WithCredentialsProvider(provider))
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to configure access keys: %w", err)
	}
	return cfg, nil
}

// CallerIdentity returns the account and ARN the config authenticates as
func (a *AuthenticationProvider) CallerIdentity(ctx context.Context, cfg aws.Config) (*CredentialInfo, error) {
	result, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to get caller identity: %w", err)
	}

	return &CredentialInfo{
		Account:     aws.ToString(result.Account),
		ARN:         aws.ToString(result.Arn),
		UserID:      aws.ToString(result.UserId),
		Method:      a.config.AuthenticationMethod,
		ValidatedAt: time.Now(),
	}, nil
}

// CredentialInfo contains information about current AWS credentials
type CredentialInfo struct {
	Account     string    `json:"account"`
	ARN         string    `json:"arn"`
	UserID      string    `json:"user_id"`
	Method      string    `json:"method"`
	ValidatedAt time.Time `json:"validated_at"`
}
