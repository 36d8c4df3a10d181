package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/virtforge/virtforge/internal/terminal"
	"github.com/virtforge/virtforge/pkg/types"
)

type pipeShell struct {
	mu      sync.Mutex
	out     *io.PipeReader
	outW    *io.PipeWriter
	written []byte
	cols    int
	rows    int
}

func newPipeShell() *pipeShell {
	r, w := io.Pipe()
	return &pipeShell{out: r, outW: w}
}

func (p *pipeShell) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *pipeShell) Output() io.Reader { return p.out }

func (p *pipeShell) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	return nil
}

func (p *pipeShell) Close() error {
	p.outW.Close()
	return nil
}

func dialTerminal(t *testing.T, s *Server, workspaceID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.Echo())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/workspaces/" + workspaceID + "/terminal"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) types.TerminalMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg types.TerminalMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func TestTerminalWebSocket_Session(t *testing.T) {
	shell := newPipeShell()
	wsMgr := &fakeWorkspaces{domains: map[string]*types.DomainDetails{
		"vf-ws-1": {ID: "vf-ws-1", Kind: types.DomainKindWorkspace, Status: types.DomainStatusRunning, IP: "192.168.122.9"},
	}}
	bridge := terminal.NewBridge(wsMgr, func(host string, cols, rows int) (terminal.ShellSession, error) {
		return shell, nil
	})
	s := NewServer(&fakeJobs{}, nil, wsMgr, bridge, Defaults{}, "")

	conn := dialTerminal(t, s, "vf-ws-1")

	if msg := readMessage(t, conn); msg.Type != types.TerminalMsgReady {
		t.Fatalf("first message = %s, want terminal_ready", msg.Type)
	}

	// Input flows to the shell.
	conn.WriteJSON(types.TerminalMessage{Type: types.TerminalMsgIn, Input: "ls\n"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		shell.mu.Lock()
		got := string(shell.written)
		shell.mu.Unlock()
		if got == "ls\n" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("shell received %q, want %q", got, "ls\n")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Resize is applied.
	conn.WriteJSON(types.TerminalMessage{Type: types.TerminalMsgResize, Cols: 120, Rows: 40})
	deadline = time.Now().Add(2 * time.Second)
	for {
		shell.mu.Lock()
		cols, rows := shell.cols, shell.rows
		shell.mu.Unlock()
		if cols == 120 && rows == 40 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("resize not applied: %dx%d", cols, rows)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Output flows back.
	shell.outW.Write([]byte("total 0\n"))
	if msg := readMessage(t, conn); msg.Type != types.TerminalMsgOut || msg.Output != "total 0\n" {
		t.Fatalf("output message = %+v", msg)
	}

	// Shell ends -> closed notification.
	shell.outW.Close()
	if msg := readMessage(t, conn); msg.Type != types.TerminalMsgClosed {
		t.Fatalf("final message = %s, want terminal_closed", msg.Type)
	}
}

func TestTerminalWebSocket_QueryParamAuth(t *testing.T) {
	shell := newPipeShell()
	wsMgr := &fakeWorkspaces{domains: map[string]*types.DomainDetails{
		"vf-ws-1": {ID: "vf-ws-1", Kind: types.DomainKindWorkspace, Status: types.DomainStatusRunning, IP: "192.168.122.9"},
	}}
	bridge := terminal.NewBridge(wsMgr, func(host string, cols, rows int) (terminal.ShellSession, error) {
		return shell, nil
	})
	s := NewServer(&fakeJobs{}, nil, wsMgr, bridge, Defaults{}, "topsecret")

	srv := httptest.NewServer(s.Echo())
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/workspaces/vf-ws-1/terminal"

	// Browser WebSocket clients cannot set headers, so the key rides
	// in the query string.
	conn, _, err := websocket.DefaultDialer.Dial(base+"?api_key=topsecret", nil)
	if err != nil {
		t.Fatalf("websocket dial with api_key: %v", err)
	}
	defer conn.Close()
	if msg := readMessage(t, conn); msg.Type != types.TerminalMsgReady {
		t.Fatalf("first message = %s, want terminal_ready", msg.Type)
	}

	if _, resp, err := websocket.DefaultDialer.Dial(base, nil); err == nil {
		t.Fatal("dial without credentials should be refused")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated upgrade got %+v", resp)
	}
}

func TestTerminalWebSocket_AttachRefusal(t *testing.T) {
	wsMgr := &fakeWorkspaces{domains: map[string]*types.DomainDetails{
		"vf-ws-stopped": {ID: "vf-ws-stopped", Kind: types.DomainKindWorkspace, Status: types.DomainStatusStopped},
	}}
	bridge := terminal.NewBridge(wsMgr, func(host string, cols, rows int) (terminal.ShellSession, error) {
		t.Fatal("dialer should not be called for a stopped workspace")
		return nil, nil
	})
	s := NewServer(&fakeJobs{}, nil, wsMgr, bridge, Defaults{}, "")

	conn := dialTerminal(t, s, "vf-ws-stopped")
	msg := readMessage(t, conn)
	if msg.Type != types.TerminalMsgError {
		t.Fatalf("message = %s, want terminal_error", msg.Type)
	}
	if !strings.Contains(msg.Error, "not running") {
		t.Errorf("error = %q", msg.Error)
	}
}
