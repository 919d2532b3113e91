package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal SSH server with canned exec replies and a real
// sftp subsystem backed by the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "builder" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &testSSHServer{listener: listener, config: config, done: make(chan struct{})}
	go s.serve()
	t.Cleanup(s.close)
	return s
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		var payload struct{ Value string }
		_ = ssh.Unmarshal(req.Payload, &payload)

		switch req.Type {
		case "exec":
			_ = req.Reply(true, nil)
			status := uint32(0)
			switch payload.Value {
			case "echo test":
				_, _ = channel.Write([]byte("test\n"))
			case "exit 1":
				_, _ = channel.Stderr().Write([]byte("boom\n"))
				status = 1
			default:
				_, _ = channel.Write([]byte("command: " + payload.Value + "\n"))
			}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		case "subsystem":
			if payload.Value != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

func (s *testSSHServer) config_(t *testing.T) *Config {
	host, portStr, err := net.SplitHostPort(s.listener.Addr().String())
	if err != nil {
		t.Fatalf("bad listener address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	cfg := DefaultConfig(host, "builder")
	cfg.Port = port
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "secret"
	cfg.InsecureIgnoreHostKey = true
	cfg.ConnectionTimeout = 5 * time.Second
	return cfg
}

func TestConfigValidate(t *testing.T) {
	keyPath := writeTestKey(t)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid key", mutate: func(c *Config) { c.AuthMethod = AuthMethodKey; c.PrivateKeyPath = keyPath }},
		{name: "valid password", mutate: func(c *Config) { c.AuthMethod = AuthMethodPassword; c.Password = "x" }},
		{name: "missing host", mutate: func(c *Config) { c.Host = "" }, wantErr: true},
		{name: "bad port", mutate: func(c *Config) { c.Port = 70000 }, wantErr: true},
		{name: "missing user", mutate: func(c *Config) { c.User = "" }, wantErr: true},
		{name: "password without password", mutate: func(c *Config) { c.AuthMethod = AuthMethodPassword; c.Password = "" }, wantErr: true},
		{name: "missing key file", mutate: func(c *Config) { c.AuthMethod = AuthMethodKey; c.PrivateKeyPath = "/nonexistent/key" }, wantErr: true},
		{name: "unknown method", mutate: func(c *Config) { c.AuthMethod = "kerberos" }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.AuthMethod = AuthMethodPassword; c.Password = "x"; c.ConnectionTimeout = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("mirror.example.org", "builder")
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("key authentication", func(t *testing.T) {
		cfg := DefaultConfig("mirror.example.org", "builder")
		cfg.AuthMethod = AuthMethodKey
		cfg.PrivateKeyPath = writeTestKey(t)
		cfg.InsecureIgnoreHostKey = true

		clientConfig, err := cfg.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.User != "builder" {
			t.Errorf("expected user 'builder', got '%s'", clientConfig.User)
		}
		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("known_hosts required", func(t *testing.T) {
		cfg := DefaultConfig("mirror.example.org", "builder")
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = "secret"
		cfg.KnownHostsPath = ""

		if _, err := cfg.BuildSSHClientConfig(); err == nil {
			t.Error("expected error without known_hosts, got nil")
		}
	})
}

func TestClientRunAndTransfer(t *testing.T) {
	server := newTestSSHServer(t)
	ctx := context.Background()

	client, err := Dial(ctx, server.config_(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer client.Close()

	res, err := client.Run(ctx, "echo test", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "test\n" || res.ExitCode != 0 {
		t.Errorf("unexpected result: %+v", res)
	}

	res, err = client.Run(ctx, "exit 1", nil)
	if err != nil {
		t.Fatalf("expected exit status in result, got error: %v", err)
	}
	if res.ExitCode != 1 || res.Stderr != "boom\n" {
		t.Errorf("unexpected result: %+v", res)
	}

	dir := t.TempDir()
	local := filepath.Join(dir, "archstate-runner")
	if err := os.WriteFile(local, []byte("#!/bin/sh\n"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	remote := filepath.Join(dir, "remote", "archstate-runner")
	if err := NewRunnerTransport(client, false).Upload(ctx, local, remote); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	info, err := os.Stat(remote)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("expected mode 0755, got %o", info.Mode().Perm())
	}

	var buf bytes.Buffer
	n, err := client.Download(ctx, remote, &buf)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if n != int64(len("#!/bin/sh\n")) || buf.String() != "#!/bin/sh\n" {
		t.Errorf("unexpected download %q (%d bytes)", buf.String(), n)
	}
}

func TestDialBadPassword(t *testing.T) {
	server := newTestSSHServer(t)
	cfg := server.config_(t)
	cfg.Password = "wrong"

	if _, err := Dial(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected authentication error, got nil")
	}
}

func TestRunnerTransportCommand(t *testing.T) {
	tr := &RunnerTransport{}
	if got := tr.command("/tmp/archstate runner"); got != "'/tmp/archstate runner'" {
		t.Errorf("unexpected command %s", got)
	}
	tr.Sudo = true
	if got := tr.command("/tmp/it's"); got != `sudo -n '/tmp/it'"'"'s'` {
		t.Errorf("unexpected command %s", got)
	}
	tr.Args = []string{"--self-delete", "--ttl", "30m"}
	if got := tr.command("/tmp/archstate-runner"); got != `sudo -n '/tmp/archstate-runner' '--self-delete' '--ttl' '30m'` {
		t.Errorf("unexpected command %s", got)
	}
}

func writeTestKey(t *testing.T) string {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}
