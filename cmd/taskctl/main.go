// Command taskctl is a command line client for the task agent.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/taskagent/internal/domain"
)

var (
	serverURL string
	timeout   time.Duration
	sessionID string
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:           "taskctl",
	Short:         "Talk to a running task agent",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var stepCmd = &cobra.Command{
	Use:   "step <text>",
	Short: "Run one agent turn",
	Long: `Send one natural-language request to the agent and print its events.

The session id of the turn is printed so later turns can continue it:
  taskctl step "add a task: book flights"
  taskctl step --session sess_... "mark it done"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStep,
}

var undoCmd = &cobra.Command{
	Use:   "undo <token>",
	Short: "Redeem an undo token",
	Args:  cobra.ExactArgs(1),
	RunE:  runUndo,
}

var eventsCmd = &cobra.Command{
	Use:   "events <run_id>",
	Short: "Print the recorded events of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

var watchCmd = &cobra.Command{
	Use:   "watch <session_id>",
	Short: "Stream the live events of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive session",
	Long: `Read requests from stdin, one per line, and run a turn for each.

Lines starting with "/undo <token>" redeem an undo token. "/quit" exits.`,
	RunE: runChat,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "task agent base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print raw JSON")
	stepCmd.Flags().StringVar(&sessionID, "session", "", "session to continue")
	chatCmd.Flags().StringVar(&sessionID, "session", "", "session to continue")

	rootCmd.AddCommand(stepCmd, undoCmd, eventsCmd, watchCmd, chatCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newClient() *Client {
	return NewClient(serverURL, timeout)
}

func runStep(cmd *cobra.Command, args []string) error {
	resp, err := newClient().Step(cmd.Context(), domain.StepRequest{
		InputText: strings.Join(args, " "),
		SessionID: sessionID,
	})
	if err != nil {
		return err
	}
	return printStep(cmd.OutOrStdout(), resp)
}

func runUndo(cmd *cobra.Command, args []string) error {
	resp, err := newClient().Undo(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printUndo(cmd.OutOrStdout(), resp)
}

func runEvents(cmd *cobra.Command, args []string) error {
	events, err := newClient().Events(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		return writeJSON(out, events)
	}
	for _, ev := range events {
		fmt.Fprintf(out, "%3d %-14s %s\n", ev.Seq, ev.Type, ev.Payload)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "watching %s (Ctrl+C to stop)\n", args[0])
	return newClient().Watch(cmd.Context(), args[0], func(ev domain.AgentEvent) {
		if jsonOut {
			_ = writeJSON(out, ev)
			return
		}
		printEvent(out, ev)
	})
}

func runChat(cmd *cobra.Command, _ []string) error {
	client := newClient()
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())

	fmt.Fprintln(out, "Type a request, /undo <token>, or /quit.")
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case strings.HasPrefix(line, "/undo "):
			resp, err := client.Undo(cmd.Context(), strings.TrimSpace(strings.TrimPrefix(line, "/undo ")))
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			_ = printUndo(out, resp)
		default:
			resp, err := client.Step(cmd.Context(), domain.StepRequest{InputText: line, SessionID: sessionID})
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			sessionID = resp.SessionID
			_ = printStep(out, resp)
		}
		if cmd.Context().Err() != nil {
			return nil
		}
	}
}

func printStep(out io.Writer, resp *domain.StepResponse) error {
	if jsonOut {
		return writeJSON(out, resp)
	}
	for _, ev := range resp.Events {
		printEvent(out, ev)
	}
	fmt.Fprintf(out, "\nsession %s  run %s\n", resp.SessionID, resp.RunID)
	return nil
}

func printUndo(out io.Writer, resp *domain.UndoResponse) error {
	if jsonOut {
		return writeJSON(out, resp)
	}
	if !resp.OK {
		if resp.Error != nil {
			fmt.Fprintf(out, "undo failed: %s: %s\n", resp.Error.Kind, resp.Error.Message)
		} else {
			fmt.Fprintln(out, "undo failed")
		}
		return nil
	}
	fmt.Fprintf(out, "undone (run %s) %s\n", resp.RunID, resp.Result)
	return nil
}

// printEvent renders one event on a single line.
func printEvent(out io.Writer, ev domain.AgentEvent) {
	data, _ := json.Marshal(ev.Data)
	var fields map[string]any
	_ = json.Unmarshal(data, &fields)

	switch ev.Type {
	case domain.EventTypeLLMMessage:
		fmt.Fprintf(out, "[%s] %v\n", fields["node"], fields["content"])
	case domain.EventTypeActionCall:
		args, _ := json.Marshal(fields["args"])
		fmt.Fprintf(out, "-> %v %s\n", fields["name"], args)
	case domain.EventTypeActionResult:
		if ok, _ := fields["ok"].(bool); !ok {
			fmt.Fprintf(out, "<- %v failed: %v\n", fields["name"], fields["error"])
			return
		}
		line := fmt.Sprintf("<- %v ok", fields["name"])
		if cached, _ := fields["cached"].(bool); cached {
			line += " (cached)"
		}
		if tok, _ := fields["undo_token"].(string); tok != "" {
			line += " undo=" + tok
		}
		fmt.Fprintln(out, line)
	case domain.EventTypeFinalMessage:
		fmt.Fprintf(out, "\n%v\n", fields["content"])
	default:
		fmt.Fprintf(out, "-- %s %s\n", ev.Type, data)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
