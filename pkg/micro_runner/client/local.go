package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// LocalTransport runs the runner as a child process on this machine.
type LocalTransport struct {
	// Sudo starts the runner through "sudo -n".
	Sudo bool

	// Args are passed to the runner.
	Args []string

	// Stderr receives the runner's log output. Nil discards it.
	Stderr io.Writer

	uploaded string
}

// Upload copies the binary to remotePath. It is a no-op when both paths
// name the same file.
func (t *LocalTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	if samePath(localPath, remotePath) {
		t.uploaded = ""
		return nil
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open runner binary: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(remotePath), 0755); err != nil {
		return err
	}
	dst, err := os.OpenFile(remotePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to copy runner binary: %w", err)
	}
	if err := dst.Close(); err != nil {
		return err
	}
	t.uploaded = remotePath
	return nil
}

// Execute starts the runner. Closing the returned stdout waits for the
// process to exit.
func (t *LocalTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	name, args := remotePath, t.Args
	if t.Sudo {
		name = "sudo"
		args = append([]string{"-n", remotePath}, t.Args...)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = t.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", remotePath, err)
	}
	return stdin, &processReader{ReadCloser: stdout, cmd: cmd}, nil
}

// Cleanup removes remotePath if Upload copied it there. A missing file is
// not an error.
func (t *LocalTransport) Cleanup(ctx context.Context, remotePath string) error {
	if remotePath != t.uploaded {
		return nil
	}
	if err := os.Remove(remotePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type processReader struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (r *processReader) Close() error {
	_ = r.ReadCloser.Close()
	if err := r.cmd.Wait(); err != nil {
		return fmt.Errorf("runner exited: %w", err)
	}
	return nil
}

func samePath(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
