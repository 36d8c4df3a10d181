package sshexec

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal in-process sshd: public-key auth, exec
// requests run through the local shell, and the sftp subsystem serves
// the local filesystem.
type testSSHServer struct {
	addr    string
	keyPath string
	ln      net.Listener
}

func startTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	authorizedKey, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatal(err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(clientPriv, "test")
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatal(err)
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(authorizedKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nConn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(nConn, config)
		}
	}()

	return &testSSHServer{addr: ln.Addr().String(), keyPath: keyPath, ln: ln}
}

func serveConn(nConn net.Conn, config *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newChan.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, chReqs)
	}
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)

			cmd := exec.Command("sh", "-c", payload.Command)
			cmd.Stdout = ch
			cmd.Stderr = ch.Stderr()
			code := 0
			if err := cmd.Run(); err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					code = exitErr.ExitCode()
				} else {
					code = 127
				}
			}
			ch.SendRequest("exit-status", false,
				ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			server.Serve()
			return
		default:
			req.Reply(false, nil)
		}
	}
}

func dialTest(t *testing.T, srv *testSSHServer) *Client {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.addr)
	if err != nil {
		t.Fatal(err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}
	c, err := Dial(host, Config{
		User:           "sandbox",
		KeyPath:        srv.keyPath,
		Port:           portNum,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRunCommand_RealExitCode(t *testing.T) {
	srv := startTestSSHServer(t)
	c := dialTest(t, srv)

	stdout, _, code := c.RunCommand("echo hello", 10)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout, "hello") {
		t.Errorf("expected stdout to contain hello, got %q", stdout)
	}

	_, _, code = c.RunCommand("exit 7", 10)
	if code != 7 {
		t.Errorf("expected exit code 7 passed through unchanged, got %d", code)
	}
}

func TestRunCommand_RemoteTimeout(t *testing.T) {
	if _, err := exec.LookPath("timeout"); err != nil {
		t.Skip("timeout utility not available")
	}
	srv := startTestSSHServer(t)
	c := dialTest(t, srv)

	_, stderr, code := c.RunCommand("sleep 5", 1)
	if code != 124 {
		t.Fatalf("expected exit 124 from remote timeout, got %d (stderr: %s)", code, stderr)
	}
	if !strings.Contains(stderr, "timed out") {
		t.Errorf("expected timeout note in stderr, got %q", stderr)
	}
}

func TestUploadDownload_RoundTrip(t *testing.T) {
	srv := startTestSSHServer(t)
	c := dialTest(t, srv)

	dir := t.TempDir()
	local := filepath.Join(dir, "in.py")
	content := []byte("print('Hello, World!')\n")
	if err := os.WriteFile(local, content, 0o644); err != nil {
		t.Fatal(err)
	}

	remote := filepath.Join(dir, "remote.py")
	if err := c.UploadFile(local, remote); err != nil {
		t.Fatalf("UploadFile() error: %v", err)
	}

	back := filepath.Join(dir, "back.py")
	if err := c.DownloadFile(remote, back); err != nil {
		t.Fatalf("DownloadFile() error: %v", err)
	}
	got, err := os.ReadFile(back)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Errorf("round-trip mismatch: %q != %q", got, content)
	}
}

func TestDownload_MissingRemoteIsSoftWarning(t *testing.T) {
	srv := startTestSSHServer(t)
	c := dialTest(t, srv)

	local := filepath.Join(t.TempDir(), "out.log")
	if err := c.DownloadFile("/nonexistent/never-flushed.log", local); err != nil {
		t.Fatalf("missing remote file should be tolerated, got %v", err)
	}
	info, err := os.Stat(local)
	if err != nil {
		t.Fatal("local file must still be created")
	}
	if info.Size() != 0 {
		t.Errorf("expected zero-byte local file, got %d bytes", info.Size())
	}
}

func TestDial_MissingKeyFile(t *testing.T) {
	srv := startTestSSHServer(t)
	host, _, _ := net.SplitHostPort(srv.addr)

	_, err := Dial(host, Config{User: "sandbox", KeyPath: "/nonexistent/key", Port: 1})
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Errorf("expected *ConnectError for missing key, got %v", err)
	}
}

func TestDial_RejectedKeyIsAuthError(t *testing.T) {
	srv := startTestSSHServer(t)

	// A fresh key the server does not know.
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(priv, "stranger")
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "stranger_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatal(err)
	}

	host, port, _ := net.SplitHostPort(srv.addr)
	portNum, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Dial(host, Config{User: "sandbox", KeyPath: keyPath, Port: portNum})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("expected *AuthError for rejected key, got %v", err)
	}
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"echo hi":        "'echo hi'",
		"it's here":      `'it'\''s here'`,
		`a "quoted" arg`: `'a "quoted" arg'`,
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	srv := startTestSSHServer(t)
	c := dialTest(t, srv)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() should be a no-op, got %v", err)
	}
}
