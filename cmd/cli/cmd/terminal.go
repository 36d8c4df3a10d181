package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/virtforge/virtforge/pkg/client"
	"github.com/virtforge/virtforge/pkg/types"
)

var terminalCmd = &cobra.Command{
	Use:   "terminal <workspace-id>",
	Short: "Attach an interactive terminal to a running workspace VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.NewClient(baseURL, apiKey)
		conn, err := c.DialTerminal(context.Background(), args[0])
		if err != nil {
			return err
		}
		defer conn.Close()

		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			oldState, err := term.MakeRaw(fd)
			if err != nil {
				return fmt.Errorf("failed to enter raw mode: %w", err)
			}
			defer term.Restore(fd, oldState)

			if cols, rows, err := term.GetSize(fd); err == nil {
				conn.WriteJSON(types.TerminalMessage{
					Type: types.TerminalMsgResize,
					Cols: cols,
					Rows: rows,
				})
			}
		}

		// stdin -> terminal_in
		go func() {
			buf := make([]byte, 1024)
			for {
				n, err := os.Stdin.Read(buf)
				if n > 0 {
					if werr := conn.WriteJSON(types.TerminalMessage{
						Type:  types.TerminalMsgIn,
						Input: string(buf[:n]),
					}); werr != nil {
						return
					}
				}
				if err != nil {
					return
				}
			}
		}()

		// terminal_out -> stdout, until the session ends
		for {
			var msg types.TerminalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return nil
			}
			switch msg.Type {
			case types.TerminalMsgReady:
				// Session is up; raw-mode stdin is already flowing.
			case types.TerminalMsgOut:
				os.Stdout.WriteString(msg.Output)
			case types.TerminalMsgError:
				fmt.Fprintf(os.Stderr, "\r\nterminal error: %s\r\n", msg.Error)
				return nil
			case types.TerminalMsgClosed:
				fmt.Fprint(os.Stderr, "\r\nsession closed\r\n")
				return nil
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(terminalCmd)
}
