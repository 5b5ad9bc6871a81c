// Package sshshell runs commands on remote hosts over SSH.
package sshshell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/CZERTAINLY/Harvester/internal/collector"
	"github.com/CZERTAINLY/Harvester/internal/model"

	"golang.org/x/crypto/ssh"
)

const (
	DefaultPort    = 22
	defaultTimeout = 30 * time.Second
	// closeGrace is how long a timed out command gets to go away after its
	// session was closed before the whole connection is dropped
	closeGrace = 5 * time.Second
)

// Shell opens SSH sessions authenticated by password. ESXi offers
// keyboard-interactive only by default, so both methods are tried.
type Shell struct {
	port            int
	hostKeyCallback ssh.HostKeyCallback
}

type Option func(*Shell)

// WithHostKeyCallback verifies host keys, the default accepts any key
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(s *Shell) {
		s.hostKeyCallback = cb
	}
}

func New(port int, opts ...Option) *Shell {
	if port <= 0 {
		port = DefaultPort
	}
	s := &Shell{
		port:            port,
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open connects to host, which may carry an explicit port. Rejected
// credentials give an error wrapping model.ErrAuth, other failures wrap
// model.ErrConnect.
func (s *Shell) Open(ctx context.Context, host string, creds model.Credentials, timeout time.Duration) (collector.ShellSession, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(s.port))
	}

	conf := &ssh.ClientConfig{
		User: creds.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(creds.Password),
			ssh.KeyboardInteractive(answerPassword(creds.Password)),
		},
		HostKeyCallback: s.hostKeyCallback,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrConnect, err)
	}
	// the handshake has no context, a deadline bounds it
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %w", model.ErrAuth, err)
		}
		return nil, fmt.Errorf("%w: %w", model.ErrConnect, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &Session{client: ssh.NewClient(c, chans, reqs)}, nil
}

// answerPassword answers every keyboard-interactive question with the password
func answerPassword(password string) ssh.KeyboardInteractiveChallenge {
	return func(_, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	}
}

// Session is a connection to one host. Every command runs in its own SSH
// session (channel) of that connection.
type Session struct {
	client *ssh.Client
}

// Run executes command and returns its outputs and exit status. A non-zero
// exit status is not an error.
func (s *Session) Run(ctx context.Context, command string, timeout time.Duration) (collector.ExecResult, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := s.client.NewSession()
	if err != nil {
		return collector.ExecResult{}, fmt.Errorf("new session: %w", err)
	}
	defer func() {
		_ = session.Close()
	}()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Close()
		select {
		case <-done:
		case <-time.After(closeGrace):
			// the connection is unusable now, following commands fail fast
			_ = s.client.Close()
			<-done
		}
		return collector.ExecResult{}, fmt.Errorf("running %q: %w", command, ctx.Err())
	case err = <-done:
	}

	ret := collector.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		ret.ExitStatus = exitErr.ExitStatus()
	default:
		return ret, fmt.Errorf("running %q: %w", command, err)
	}
	return ret, nil
}

func (s *Session) Close() error {
	err := s.client.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
