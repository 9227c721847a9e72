package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/lydakis/toolgate/internal/config"
	"github.com/lydakis/toolgate/internal/ipc"
	"github.com/spf13/pflag"
)

var (
	statusColors = map[string]*color.Color{
		"ready":      color.New(color.FgGreen),
		"connecting": color.New(color.FgCyan),
		"degraded":   color.New(color.FgYellow),
		"closed":     color.New(color.FgRed),
	}
	dim  = color.New(color.FgHiBlack)
	warn = color.New(color.FgYellow)
)

func decodePayload(raw []byte, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return fmt.Errorf("invalid daemon response: empty payload")
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("invalid daemon response: %w", err)
	}
	return nil
}

// newFlagSet returns a flag set that reports errors instead of exiting.
func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(rootStderr)
	return fs
}

func runStatus(ctx context.Context, args []string) int {
	fs := newFlagSet("status")
	asJSON := fs.Bool("json", false, "print raw JSON")
	if err := fs.Parse(args); err != nil {
		return flagExitCode(err)
	}

	resp, code := exchange(ctx, &ipc.Request{Type: ipc.TypeStatus})
	if resp == nil {
		return code
	}
	if resp.ExitCode != ipc.ExitOK || *asJSON {
		return writeResponse(resp)
	}

	var statuses []ipc.ServerStatus
	if err := decodePayload(resp.Content, &statuses); err != nil {
		fmt.Fprintf(rootStderr, "toolgate: %v\n", err)
		return ipc.ExitInternal
	}
	if len(statuses) == 0 {
		fmt.Fprintln(rootStdout, "No MCP servers configured.")
		fmt.Fprintf(rootStdout, "Add one with `toolgate add` or see %s\n", config.ExampleConfigPath())
		return ipc.ExitOK
	}
	writeStatusTable(rootStdout, statuses)
	return ipc.ExitOK
}

func writeStatusTable(w io.Writer, statuses []ipc.ServerStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTRANSPORT\tTOOLS\tSTATUS\tDETAIL")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.Name, s.Transport, s.Tools, colorStatus(s.Status), statusDetail(s))
	}
	tw.Flush() //nolint:errcheck
}

func colorStatus(status string) string {
	if c, ok := statusColors[status]; ok {
		return c.Sprint(status)
	}
	return status
}

func statusDetail(s ipc.ServerStatus) string {
	switch {
	case s.LastError != "":
		return s.LastError
	case s.ConsecutiveTimeouts > 0:
		return fmt.Sprintf("%d consecutive timeouts", s.ConsecutiveTimeouts)
	case !s.ConnectedAt.IsZero():
		return dim.Sprint("since " + s.ConnectedAt.Local().Format(time.DateTime))
	default:
		return ""
	}
}

func runTools(ctx context.Context, args []string) int {
	fs := newFlagSet("tools")
	verbose := fs.BoolP("verbose", "v", false, "show full descriptions and input schemas")
	asJSON := fs.Bool("json", false, "print raw JSON")
	if err := fs.Parse(args); err != nil {
		return flagExitCode(err)
	}

	resp, code := exchange(ctx, &ipc.Request{Type: ipc.TypeListTools, Verbose: *verbose})
	if resp == nil {
		return code
	}
	if resp.ExitCode != ipc.ExitOK || *asJSON {
		return writeResponse(resp)
	}

	var list ipc.ToolList
	if err := decodePayload(resp.Content, &list); err != nil {
		fmt.Fprintf(rootStderr, "toolgate: %v\n", err)
		return ipc.ExitInternal
	}
	for _, c := range list.Collisions {
		warn.Fprintf(rootStderr, "warning: %s from %s is shadowed by %s\n", c.Name, c.Dropped, c.Winner) //nolint:errcheck
	}
	if err := writeToolList(rootStdout, list.Tools, *verbose); err != nil {
		fmt.Fprintf(rootStderr, "toolgate: %v\n", err)
		return ipc.ExitInternal
	}
	return ipc.ExitOK
}

func writeToolList(w io.Writer, tools []ipc.Tool, verbose bool) error {
	if !verbose {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, tool := range tools {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", tool.Name, dim.Sprint(tool.Server), firstLine(tool.Description))
		}
		return tw.Flush()
	}

	for i, tool := range tools {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s %s\n", tool.Name, dim.Sprintf("(%s)", tool.Server))
		if tool.Description != "" {
			fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(tool.Description, "\n", "\n  "))
		}
		if len(tool.InputSchema) == 0 {
			continue
		}
		var indented bytes.Buffer
		if err := json.Indent(&indented, tool.InputSchema, "  ", "  "); err != nil {
			return fmt.Errorf("formatting schema for %s: %w", tool.Name, err)
		}
		fmt.Fprintf(w, "  %s\n", indented.String())
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func runSessions(ctx context.Context, args []string) int {
	fs := newFlagSet("sessions")
	limit := fs.IntP("limit", "n", 0, "maximum number of sessions to list")
	asJSON := fs.Bool("json", false, "print raw JSON")
	if err := fs.Parse(args); err != nil {
		return flagExitCode(err)
	}

	resp, code := exchange(ctx, &ipc.Request{Type: ipc.TypeListSessions, Limit: *limit})
	if resp == nil {
		return code
	}
	if resp.ExitCode != ipc.ExitOK || *asJSON {
		return writeResponse(resp)
	}

	var sessions []ipc.Session
	if err := decodePayload(resp.Content, &sessions); err != nil {
		fmt.Fprintf(rootStderr, "toolgate: %v\n", err)
		return ipc.ExitInternal
	}
	if len(sessions) == 0 {
		fmt.Fprintln(rootStdout, "No sessions.")
		return ipc.ExitOK
	}

	tw := tabwriter.NewWriter(rootStdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tMESSAGES\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", s.ID, s.MessageCount, s.UpdatedAt.Local().Format(time.DateTime))
	}
	tw.Flush() //nolint:errcheck
	return ipc.ExitOK
}

func flagExitCode(err error) int {
	if errors.Is(err, pflag.ErrHelp) {
		return ipc.ExitOK
	}
	fmt.Fprintf(rootStderr, "toolgate: %v\n", err)
	return ipc.ExitUsageErr
}
