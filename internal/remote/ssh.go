package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHDialer connects with public key authentication. Host keys are not
// verified: the hosts are instances created moments earlier whose keys
// cannot be known in advance.
type SSHDialer struct {
	Port int

	// Timeout bounds the TCP connect and SSH handshake when the dial
	// context has no deadline.
	Timeout time.Duration
}

var _ Dialer = (*SSHDialer)(nil)

// Dial opens an SSH connection to address as user.
func (d *SSHDialer) Dial(ctx context.Context, address, user string, signer ssh.Signer) (Conn, error) {
	port := d.Port
	if port == 0 {
		port = 22
	}
	target := net.JoinHostPort(address, strconv.Itoa(port))

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.Timeout,
	}

	dialer := net.Dialer{Timeout: d.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok && d.Timeout > 0 {
		deadline, ok = time.Now().Add(d.Timeout), true
	}
	if ok {
		_ = netConn.SetDeadline(deadline)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, target, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", target, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	return &sshConn{client: ssh.NewClient(clientConn, chans, reqs)}, nil
}

type sshConn struct {
	client *ssh.Client
}

// Run executes cmd in a new session. Cancelling ctx closes the session.
func (c *sshConn) Run(ctx context.Context, cmd string) (string, string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Close()
		<-done
		return stdout.String(), stderr.String(), ctx.Err()
	case err := <-done:
		return stdout.String(), stderr.String(), err
	}
}

func (c *sshConn) Close() error {
	return c.client.Close()
}
