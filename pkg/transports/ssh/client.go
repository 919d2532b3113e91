package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// ExecResult is the outcome of a remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Client is a connected SSH client.
type Client struct {
	config *Config
	conn   *ssh.Client
	logger zerolog.Logger

	mu   sync.Mutex
	sftp *sftp.Client
}

// Dial connects and authenticates. The context bounds the TCP dial and the
// handshake.
func Dial(ctx context.Context, config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}

	clientConfig, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, err
	}

	address := config.Address()
	logger = logger.With().Str("component", "ssh").Str("address", address).Logger()
	logger.Debug().Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: config.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", address, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	logger.Debug().Msg("SSH connection established")
	return &Client{
		config: config,
		conn:   ssh.NewClient(sshConn, chans, reqs),
		logger: logger,
	}, nil
}

// Run executes cmd and waits for it. A non-zero exit status is reported in
// ExecResult, not as an error.
func (c *Client) Run(ctx context.Context, cmd string, stdin io.Reader) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	session, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, fmt.Errorf("remote command %q aborted: %w", cmd, ctx.Err())
	case err := <-done:
		result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitStatus()
		default:
			return nil, fmt.Errorf("failed to run remote command %q: %w", cmd, err)
		}
		c.logger.Debug().Str("cmd", cmd).Int("exit_code", result.ExitCode).Msg("Ran remote command")
		return result, nil
	}
}

// Start runs cmd without waiting and returns its stdin and stdout. Closing
// stdout closes the session.
func (c *Client) Start(ctx context.Context, cmd string) (io.WriteCloser, io.ReadCloser, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("failed to get stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("failed to get stdout: %w", err)
	}
	session.Stderr = &logWriter{logger: c.logger}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("failed to start %q: %w", cmd, err)
	}

	return stdin, &sessionReader{Reader: stdout, session: session}, nil
}

// SFTP returns a lazily opened SFTP client on this connection.
func (c *Client) SFTP() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	client, err := sftp.NewClient(c.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}
	c.sftp = client
	return client, nil
}

// Upload copies a local file to remotePath with the given mode.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	client, err := c.SFTP()
	if err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
		}
	}

	dst, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer dst.Close()

	if _, err := copyWithContext(ctx, dst, src); err != nil {
		return fmt.Errorf("failed to upload %s: %w", localPath, err)
	}
	if err := client.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", remotePath, err)
	}
	return nil
}

// Download streams remotePath into w.
func (c *Client) Download(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	client, err := c.SFTP()
	if err != nil {
		return 0, err
	}

	src, err := client.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer src.Close()

	n, err := copyWithContext(ctx, w, src)
	if err != nil {
		return n, fmt.Errorf("failed to download %s: %w", remotePath, err)
	}
	return n, nil
}

// Close closes the SFTP client and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	return c.conn.Close()
}

// copyWithContext copies in chunks, checking for cancellation between them.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

type sessionReader struct {
	io.Reader
	session *ssh.Session
}

func (r *sessionReader) Close() error {
	return r.session.Close()
}

type logWriter struct {
	logger zerolog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Debug().Str("stderr", string(bytes.TrimSpace(p))).Msg("Remote output")
	return len(p), nil
}
