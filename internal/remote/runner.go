// Package remote runs the package inventory steps on remote hosts over SSH.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// Steps run on every host, in order.
const (
	StepInstall = "install"
	StepQuery   = "query"
)

// ErrConnect is returned when every connection attempt to a host failed.
var ErrConnect = errors.New("failed to connect")

// Host is a remote machine and the account to log in as.
type Host struct {
	Address string
	User    string
}

// Result is the outcome of the inventory on one host. Output holds the
// query step's standard output when Err is nil.
type Result struct {
	Host   Host
	Output string
	Err    error
}

// ExecutionError is returned when a step exits with a non-zero status.
type ExecutionError struct {
	Host       string
	Step       string
	ExitStatus int
	Stderr     string
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("%s step on %s exited with status %d", e.Step, e.Host, e.ExitStatus)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Conn is an established session-capable connection to one host.
type Conn interface {
	// Run executes cmd and returns its output. A non-zero exit is reported
	// as an error with an ExitStatus() int method.
	Run(ctx context.Context, cmd string) (stdout, stderr string, err error)
	Close() error
}

// Dialer opens connections to hosts.
type Dialer interface {
	Dial(ctx context.Context, address, user string, signer ssh.Signer) (Conn, error)
}

// Options configures a Runner.
type Options struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
	MaxConcurrency int

	InstallCommand string
	QueryCommand   string
}

// Runner executes the install and query steps on many hosts concurrently.
type Runner struct {
	logger *zap.Logger
	dialer Dialer
	opts   Options

	steps []step
	sleep func(ctx context.Context, d time.Duration) error
}

type step struct {
	name    string
	command string
}

// NewRunner creates a runner. Both commands are run through sh -c so
// pipelines behave the same whatever the login shell is.
func NewRunner(logger *zap.Logger, dialer Dialer, opts Options) (*Runner, error) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}

	install, err := shellCommand(opts.InstallCommand)
	if err != nil {
		return nil, fmt.Errorf("invalid install command: %w", err)
	}
	query, err := shellCommand(opts.QueryCommand)
	if err != nil {
		return nil, fmt.Errorf("invalid query command: %w", err)
	}

	return &Runner{
		logger: logger,
		dialer: dialer,
		opts:   opts,
		steps: []step{
			{name: StepInstall, command: install},
			{name: StepQuery, command: query},
		},
		sleep: sleepContext,
	}, nil
}

// shellCommand checks that cmd is well-formed shell input and wraps it for
// sh -c.
func shellCommand(cmd string) (string, error) {
	words, err := shellquote.Split(cmd)
	if err != nil {
		return "", err
	}
	if len(words) == 0 {
		return "", errors.New("command is empty")
	}
	return shellquote.Join("sh", "-c", cmd), nil
}

// Run performs the inventory on every host and returns one result per
// host, in the order of hosts. A failing host does not affect the others.
func (r *Runner) Run(ctx context.Context, hosts []Host, signer ssh.Signer) []Result {
	results := make([]Result, len(hosts))

	g := new(errgroup.Group)
	g.SetLimit(r.opts.MaxConcurrency)

	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			output, err := r.inventory(ctx, host, signer)
			results[i] = Result{Host: host, Output: output, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (r *Runner) inventory(ctx context.Context, host Host, signer ssh.Signer) (string, error) {
	logger := r.logger.With(zap.String("host", host.Address), zap.String("user", host.User))

	conn, err := r.connect(ctx, logger, host, signer)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	var output string
	for _, s := range r.steps {
		logger.Debug("Running step", zap.String("step", s.name))

		stdout, stderr, err := conn.Run(ctx, s.command)
		if err != nil {
			var exitErr interface{ ExitStatus() int }
			if errors.As(err, &exitErr) {
				return "", &ExecutionError{
					Host:       host.Address,
					Step:       s.name,
					ExitStatus: exitErr.ExitStatus(),
					Stderr:     strings.TrimSpace(stderr),
				}
			}
			return "", fmt.Errorf("%s step on %s failed: %w", s.name, host.Address, err)
		}
		output = stdout
	}

	logger.Info("Collected package inventory", zap.Int("bytes", len(output)))
	return output, nil
}

func (r *Runner) connect(ctx context.Context, logger *zap.Logger, host Host, signer ssh.Signer) (Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
		conn, err := r.dialer.Dial(attemptCtx, host.Address, host.User, signer)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err

		logger.Debug("Connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.opts.MaxAttempts),
			zap.Error(err))

		if attempt < r.opts.MaxAttempts {
			if err := r.sleep(ctx, r.opts.RetryDelay); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("%w to %s after %d attempts: %w", ErrConnect, host.Address, r.opts.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
