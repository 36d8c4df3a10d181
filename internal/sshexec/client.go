// Package sshexec is the control channel into a running VM: a
// key-authenticated SSH connection used for file transfer, remote
// command execution with layered timeouts, and interactive shells.
package sshexec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// killAfterGrace is the extra window the remote timeout utility gets
// to SIGKILL a process that ignored the first signal.
const killAfterGrace = 5

// channelSlack pads the client-side timeout beyond the remote one so
// the remote timeout always fires first when the transport is healthy.
const channelSlack = 10 * time.Second

// AuthError is an SSH authentication failure.
type AuthError struct {
	Addr string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ssh auth to %s failed: %v", e.Addr, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectError is an SSH transport or setup failure (unreachable host,
// missing or unreadable key file).
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("ssh connect to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransferError is a file upload/download failure.
type TransferError struct {
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("ssh transfer %s: %v", e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Config holds connection parameters for a VM's SSH endpoint.
type Config struct {
	User           string
	KeyPath        string
	Port           int           // default 22
	ConnectTimeout time.Duration // default 10s
}

// Client is one SSH control channel to a VM. Safe to Close more than
// once; not safe for concurrent RunCommand calls on the same session
// (each call opens its own session, so concurrent use is fine).
type Client struct {
	addr string
	conn *ssh.Client

	sftpOnce sync.Once
	sftpErr  error
	sftpConn *sftp.Client

	closeOnce sync.Once
}

// Dial opens the control channel to host. It fails fast: a missing key
// file or unreachable host is reported immediately rather than
// retried.
func Dial(host string, cfg Config) (*Client, error) {
	if cfg.Port <= 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", cfg.Port))

	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: fmt.Errorf("read key %s: %w", cfg.KeyPath, err)}
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: fmt.Errorf("parse key %s: %w", cfg.KeyPath, err)}
	}

	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // VMs are freshly imaged, no stable host keys
		Timeout:         cfg.ConnectTimeout,
	})
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, &AuthError{Addr: addr, Err: err}
		}
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return &Client{addr: addr, conn: conn}, nil
}

func (c *Client) sftp() (*sftp.Client, error) {
	c.sftpOnce.Do(func() {
		c.sftpConn, c.sftpErr = sftp.NewClient(c.conn)
	})
	return c.sftpConn, c.sftpErr
}

// UploadFile copies a local file to the VM.
func (c *Client) UploadFile(localPath, remotePath string) error {
	sc, err := c.sftp()
	if err != nil {
		return &TransferError{Path: remotePath, Err: err}
	}

	src, err := os.Open(localPath)
	if err != nil {
		return &TransferError{Path: localPath, Err: err}
	}
	defer src.Close()

	dst, err := sc.Create(remotePath)
	if err != nil {
		return &TransferError{Path: remotePath, Err: err}
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return &TransferError{Path: remotePath, Err: err}
	}
	return nil
}

// DownloadFile copies a remote file to the local path. A remote file
// that is empty or momentarily missing (a log not yet flushed) is
// tolerated: the local file is still created, possibly zero bytes, and
// the condition is logged as a warning. Only failing to produce a
// local file at all is a TransferError.
func (c *Client) DownloadFile(remotePath, localPath string) error {
	dst, err := os.Create(localPath)
	if err != nil {
		return &TransferError{Path: localPath, Err: err}
	}
	defer dst.Close()

	sc, err := c.sftp()
	if err != nil {
		log.Printf("virtforge: download %s: sftp unavailable, leaving empty local file: %v", remotePath, err)
		return nil
	}

	src, err := sc.Open(remotePath)
	if err != nil {
		log.Printf("virtforge: download %s: remote file unavailable, leaving empty local file: %v", remotePath, err)
		return nil
	}
	defer src.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return &TransferError{Path: remotePath, Err: err}
	}
	if n == 0 {
		log.Printf("virtforge: download %s: remote file was empty", remotePath)
	}
	return nil
}

// RunCommand executes cmd on the VM with two independent timeout
// layers. The command is wrapped in the remote timeout utility with a
// kill-after grace window, so a runaway process is force-killed inside
// the VM even if it ignores the first signal. The SSH channel itself
// gets a slightly larger client-side deadline as a second safety net.
//
// Exit code 124 means the remote timeout fired, 137 means the process
// was force-killed after the grace window; both get an explanatory
// note appended to stderr. Channel-level failures return exit code -1
// with the SSH error text in stderr instead of an error, so callers
// inspect results uniformly.
func (c *Client) RunCommand(cmd string, timeoutSeconds int) (string, string, int) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 60
	}
	wrapped := fmt.Sprintf("timeout --kill-after=%d %d sh -c %s",
		killAfterGrace, timeoutSeconds, shellQuote(cmd))

	session, err := c.conn.NewSession()
	if err != nil {
		return "", fmt.Sprintf("open ssh session: %v", err), -1
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(wrapped); err != nil {
		return "", fmt.Sprintf("start remote command: %v", err), -1
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	channelTimeout := time.Duration(timeoutSeconds+killAfterGrace)*time.Second + channelSlack
	select {
	case err = <-done:
	case <-time.After(channelTimeout):
		session.Close()
		return stdout.String(),
			fmt.Sprintf("%sssh channel timeout after %s", stderr.String(), channelTimeout), -1
	}

	exitCode := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitStatus()
		} else {
			return stdout.String(), fmt.Sprintf("%sssh wait: %v", stderr.String(), err), -1
		}
	}

	errText := stderr.String()
	switch exitCode {
	case 124:
		errText += fmt.Sprintf("\ncommand timed out after %d seconds", timeoutSeconds)
	case 137:
		errText += fmt.Sprintf("\ncommand was force-killed after ignoring the timeout signal for %d seconds", killAfterGrace)
	}
	return stdout.String(), errText, exitCode
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Close tears down the control channel. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.sftpConn != nil {
			c.sftpConn.Close()
		}
		err = c.conn.Close()
	})
	return err
}
