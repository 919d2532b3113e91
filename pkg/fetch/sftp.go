package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/openfroyo/archstate/pkg/engine"
	"github.com/openfroyo/archstate/pkg/transports/ssh"
)

// sftpConfig builds the SSH config for an sftp://[user@]host[:port]/path
// source. The user falls back to the configured sftp user, then $USER.
func (f *Fetcher) sftpConfig(source string) (*ssh.Config, string, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, "", engine.NewInvocationError(fmt.Sprintf("Invalid source %s: %v", source, err))
	}
	if u.Hostname() == "" || u.Path == "" || u.Path == "/" {
		return nil, "", engine.NewInvocationError(fmt.Sprintf("Invalid source %s: expected sftp://[user@]host[:port]/path", source))
	}

	user := u.User.Username()
	if user == "" {
		user = f.cfg.SFTP.User
	}
	if user == "" {
		user = os.Getenv("USER")
	}

	cfg := ssh.DefaultConfig(u.Hostname(), user)
	if port := u.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, "", engine.NewInvocationError(fmt.Sprintf("Invalid source %s: bad port %q", source, port))
		}
		cfg.Port = p
	}
	if f.cfg.SFTP.PrivateKeyPath != "" {
		cfg.AuthMethod = ssh.AuthMethodKey
		cfg.PrivateKeyPath = f.cfg.SFTP.PrivateKeyPath
	}
	if f.cfg.SFTP.KnownHostsPath != "" {
		cfg.KnownHostsPath = f.cfg.SFTP.KnownHostsPath
	}
	cfg.InsecureIgnoreHostKey = f.cfg.SFTP.InsecureIgnoreHostKey

	return cfg, u.Path, nil
}

// openSFTP streams the remote file through a pipe. The connection closes when
// the transfer ends.
func (f *Fetcher) openSFTP(ctx context.Context, source string) (io.ReadCloser, int64, error) {
	cfg, remotePath, err := f.sftpConfig(source)
	if err != nil {
		return nil, 0, err
	}

	client, err := ssh.Dial(ctx, cfg, f.logger)
	if err != nil {
		return nil, 0, engine.NewTransientError(
			fmt.Sprintf("failed to download %s", source), err,
		).WithCode(engine.ErrCodeFetchFailed).WithOperation("download")
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := client.Download(ctx, remotePath, pw)
		client.Close()
		pw.CloseWithError(err)
	}()

	return pr, -1, nil
}
