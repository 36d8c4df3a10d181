package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/virtforge/virtforge/internal/metrics"
	"github.com/virtforge/virtforge/internal/sshexec"
	"github.com/virtforge/virtforge/pkg/types"
)

// ErrNoSession is returned when input or resize arrives for a
// connection with no attached shell.
var ErrNoSession = errors.New("no active terminal session for connection")

// Reason classifies why a workspace could not be attached to.
type Reason string

const (
	ReasonNotFound   Reason = "not-found"
	ReasonNotRunning Reason = "not-running"
	ReasonNoIP       Reason = "no-ip"
)

// AttachError reports an attach refusal with a machine-readable reason
// so the transport layer can surface an actionable message.
type AttachError struct {
	Reason   Reason
	DomainID string
}

func (e *AttachError) Error() string {
	switch e.Reason {
	case ReasonNotFound:
		return fmt.Sprintf("workspace %s not found", e.DomainID)
	case ReasonNotRunning:
		return fmt.Sprintf("workspace %s is not running", e.DomainID)
	case ReasonNoIP:
		return fmt.Sprintf("workspace %s has no resolved IP yet", e.DomainID)
	}
	return fmt.Sprintf("cannot attach to workspace %s", e.DomainID)
}

// ShellSession is an interactive PTY attached to a VM.
type ShellSession interface {
	Write(p []byte) (int, error)
	Output() io.Reader
	Resize(cols, rows int) error
	Close() error
}

// ShellDialer opens a ShellSession on the VM at host. Closing the
// returned session must tear down the underlying connection too.
type ShellDialer func(host string, cols, rows int) (ShellSession, error)

// DomainSource is the slice of the VM manager the bridge needs.
type DomainSource interface {
	Details(ctx context.Context, idOrUUID string) (*types.DomainDetails, error)
}

// Emitter receives the outbound events for one terminal connection.
type Emitter interface {
	Ready()
	Output(data []byte)
	Closed()
	Error(msg string)
}

// clientShell adapts an sshexec client+shell pair into a ShellSession
// whose Close tears down both.
type clientShell struct {
	*sshexec.Shell
	client *sshexec.Client
}

func (c *clientShell) Close() error {
	err := c.Shell.Close()
	if cerr := c.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// SSHShellDialer builds the production dialer from an sshexec config.
func SSHShellDialer(cfg sshexec.Config) ShellDialer {
	return func(host string, cols, rows int) (ShellSession, error) {
		client, err := sshexec.Dial(host, cfg)
		if err != nil {
			return nil, err
		}
		shell, err := client.StartShell(cols, rows)
		if err != nil {
			client.Close()
			return nil, err
		}
		return &clientShell{Shell: shell, client: client}, nil
	}
}

type session struct {
	shell     ShellSession
	emit      Emitter
	closeOnce sync.Once
}

// Bridge maps transport connections to interactive VM shells. One
// background pump per attached connection copies shell output to the
// connection's emitter.
type Bridge struct {
	domains DomainSource
	dial    ShellDialer

	mu       sync.Mutex
	sessions map[string]*session
}

func NewBridge(domains DomainSource, dial ShellDialer) *Bridge {
	return &Bridge{
		domains:  domains,
		dial:     dial,
		sessions: make(map[string]*session),
	}
}

// Attach looks up the workspace, requires it running with an IP, opens
// a shell, and starts the output pump. Emits Ready on success; attach
// refusals are returned, not emitted.
func (b *Bridge) Attach(ctx context.Context, connectionID, domainID string, cols, rows int, emit Emitter) error {
	details, err := b.domains.Details(ctx, domainID)
	if err != nil {
		return &AttachError{Reason: ReasonNotFound, DomainID: domainID}
	}
	if details.Status != types.DomainStatusRunning {
		return &AttachError{Reason: ReasonNotRunning, DomainID: domainID}
	}
	if details.IP == "" {
		return &AttachError{Reason: ReasonNoIP, DomainID: domainID}
	}

	shell, err := b.dial(details.IP, cols, rows)
	if err != nil {
		return fmt.Errorf("failed to open shell on %s: %w", details.IP, err)
	}

	sess := &session{shell: shell, emit: emit}
	b.mu.Lock()
	if _, exists := b.sessions[connectionID]; exists {
		b.mu.Unlock()
		shell.Close()
		return fmt.Errorf("connection %s already has an active session", connectionID)
	}
	b.sessions[connectionID] = sess
	b.mu.Unlock()

	metrics.TerminalSessionsActive.Inc()
	emit.Ready()
	go b.pump(connectionID, sess)
	return nil
}

// pump copies shell output to the emitter until the shell closes, then
// emits Closed exactly once.
func (b *Bridge) pump(connectionID string, sess *session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.shell.Output().Read(buf)
		if n > 0 {
			sess.emit.Output(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("virtforge: terminal pump for %s ended: %v", connectionID, err)
			}
			b.close(connectionID, sess)
			return
		}
	}
}

// SendInput forwards bytes to the connection's shell.
func (b *Bridge) SendInput(connectionID string, data []byte) error {
	b.mu.Lock()
	sess, ok := b.sessions[connectionID]
	b.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	_, err := sess.shell.Write(data)
	return err
}

// Resize applies new PTY dimensions. Non-positive dimensions are
// rejected rather than coerced.
func (b *Bridge) Resize(connectionID string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	b.mu.Lock()
	sess, ok := b.sessions[connectionID]
	b.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	return sess.shell.Resize(cols, rows)
}

// Detach closes the connection's shell and drops bookkeeping.
// Idempotent: detaching an unknown connection is a no-op.
func (b *Bridge) Detach(connectionID string) {
	b.mu.Lock()
	sess, ok := b.sessions[connectionID]
	b.mu.Unlock()
	if ok {
		b.close(connectionID, sess)
	}
}

// Shutdown detaches every active session.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	remaining := make(map[string]*session, len(b.sessions))
	for id, sess := range b.sessions {
		remaining[id] = sess
	}
	b.mu.Unlock()
	for id, sess := range remaining {
		b.close(id, sess)
	}
}

func (b *Bridge) close(connectionID string, sess *session) {
	sess.closeOnce.Do(func() {
		sess.shell.Close()
		b.mu.Lock()
		delete(b.sessions, connectionID)
		b.mu.Unlock()
		metrics.TerminalSessionsActive.Dec()
		sess.emit.Closed()
	})
}
