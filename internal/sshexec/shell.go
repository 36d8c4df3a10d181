package sshexec

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Shell is an interactive login shell on the VM, running on its own
// SSH session with a PTY. Output (stdout and stderr interleaved by the
// PTY) is read from Output; input is written with Write.
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	output  io.Reader

	closeOnce sync.Once
}

// StartShell requests a PTY of the given size and starts the remote
// login shell.
func (c *Client) StartShell(cols, rows int) (*Shell, error) {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open shell session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &Shell{session: session, stdin: stdin, output: stdout}, nil
}

// Write sends input bytes to the shell.
func (s *Shell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Output is the stream of terminal output. It reaches EOF when the
// shell exits or the session is closed.
func (s *Shell) Output() io.Reader {
	return s.output
}

// Resize changes the PTY dimensions.
func (s *Shell) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return s.session.WindowChange(rows, cols)
}

// Close ends the shell session. Safe to call multiple times.
func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stdin.Close()
		err = s.session.Close()
	})
	return err
}
