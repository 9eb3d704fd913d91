package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zylisp/nrepl/client"
	"github.com/zylisp/nrepl/protocol"
)

// NewEvalCmd wires the eval command: send one expression and stream the
// responses to the terminal.
func NewEvalCmd() *cobra.Command {
	var addr string
	var codec string
	var sessionID string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "eval \"<code>\"",
		Short: "Evaluate code on a REPL server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := args[0]
			if strings.TrimSpace(code) == "" {
				return fmt.Errorf("code cannot be empty")
			}
			logger, err := buildLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			cl, err := client.Connect(cmd.Context(), addr, client.Config{
				Codec:  codec,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			defer cl.Close()

			resp, err := cl.Send(client.Request{
				Code:          code,
				SessionID:     sessionID,
				TimeoutMillis: timeout.Milliseconds(),
			})
			if err != nil {
				return err
			}

			failed := false
			for msg := range resp.Seq() {
				if out, ok := msg[protocol.KeyOut].(string); ok {
					fmt.Fprint(cmd.OutOrStdout(), out)
				}
				if errText, ok := msg[protocol.KeyErr].(string); ok {
					fmt.Fprint(cmd.ErrOrStderr(), errText)
				}
				if v, ok := msg[protocol.KeyValue].(string); ok {
					fmt.Fprintln(cmd.OutOrStdout(), v)
				}
				switch msg.Status() {
				case protocol.StatusError, protocol.StatusServerFailure,
					protocol.StatusTimeout, protocol.StatusInterrupted:
					failed = true
					if reason, ok := msg[protocol.KeyError].(string); ok {
						fmt.Fprintln(cmd.ErrOrStderr(), reason)
					}
				}
				// A rejection before dispatch carries an error text and never
				// gets a terminal status of its own; stop instead of waiting.
				if msg.Status() == protocol.StatusError && msg[protocol.KeyError] != nil {
					break
				}
			}
			if failed {
				return fmt.Errorf("evaluation did not complete normally")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:7888", "Server address")
	cmd.Flags().StringVar(&codec, "codec", "edn", "Message encoding (edn, json, msgpack)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Retained session id to evaluate in")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Evaluation timeout")

	return cmd
}
