package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/grantcarthew/cdpmux/internal/browser"
	"github.com/grantcarthew/cdpmux/internal/cdp"
)

// Color helper functions that respect color.NoColor flag
func colorFprint(w io.Writer, c color.Attribute, s string) {
	color.New(c).Fprint(w, s)
}

func colorFprintf(w io.Writer, c color.Attribute, format string, args ...any) {
	color.New(c).Fprintf(w, format, args...)
}

// OutputOptions controls text formatting behavior.
type OutputOptions struct {
	UseColor bool // Enable ANSI color codes
}

// NewOutputOptions returns output options based on flags and environment.
// Priority: jsonOutput > noColorFlag > NO_COLOR env > TTY detection.
func NewOutputOptions(jsonOutput bool, noColorFlag bool) OutputOptions {
	if jsonOutput {
		return OutputOptions{UseColor: false}
	}
	if noColorFlag {
		return OutputOptions{UseColor: false}
	}
	if os.Getenv("NO_COLOR") != "" {
		return OutputOptions{UseColor: false}
	}
	return OutputOptions{
		UseColor: term.IsTerminal(int(os.Stdout.Fd())),
	}
}

// ActionSuccess outputs "OK" for successful action commands.
func ActionSuccess(w io.Writer) error {
	_, err := fmt.Fprintln(w, "OK")
	return err
}

// ActionError outputs "Error: <message>" for failed action commands.
func ActionError(w io.Writer, msg string, opts OutputOptions) error {
	if opts.UseColor {
		colorFprint(w, color.FgRed, "Error:")
		fmt.Fprintf(w, " %s\n", msg)
	} else {
		fmt.Fprintf(w, "Error: %s\n", msg)
	}
	return nil
}

// Targets outputs the browser's targets, one per line.
// Format: TYPE URL - Title [ID]
func Targets(w io.Writer, targets []browser.Target, opts OutputOptions) error {
	for _, t := range targets {
		// Truncate ID to 8 chars
		displayID := t.ID
		if len(displayID) > 8 {
			displayID = displayID[:8]
		}

		// Truncate title to 40 chars
		title := strings.TrimSpace(t.Title)
		if len(title) > 40 {
			title = title[:37] + "..."
		}

		if opts.UseColor {
			colorFprintf(w, color.Faint, "%-15s", t.Type)
			fmt.Fprintf(w, " %s - %s [", t.URL, title)
			colorFprint(w, color.FgCyan, displayID)
			fmt.Fprintln(w, "]")
		} else {
			fmt.Fprintf(w, "%-15s %s - %s [%s]\n", t.Type, t.URL, title, displayID)
		}
	}
	return nil
}

// Target outputs a single target with its debugger URL.
func Target(w io.Writer, t browser.Target, opts OutputOptions) error {
	if opts.UseColor {
		colorFprint(w, color.FgCyan, t.ID)
		fmt.Fprintln(w)
	} else {
		fmt.Fprintln(w, t.ID)
	}
	fmt.Fprintf(w, "url: %s\n", t.URL)
	if t.WebSocketURL != "" {
		fmt.Fprintf(w, "ws: %s\n", t.WebSocketURL)
	}
	return nil
}

// Version outputs browser version information.
func Version(w io.Writer, v browser.VersionInfo, opts OutputOptions) error {
	fields := []struct {
		label string
		value string
	}{
		{"browser", v.Browser},
		{"protocol", v.ProtocolVer},
		{"v8", v.V8Version},
		{"webkit", v.WebKitVersion},
		{"user-agent", v.UserAgent},
		{"ws", v.WebSocketURL},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if opts.UseColor {
			colorFprintf(w, color.Faint, "%s:", f.label)
			fmt.Fprintf(w, " %s\n", f.value)
		} else {
			fmt.Fprintf(w, "%s: %s\n", f.label, f.value)
		}
	}
	return nil
}

// Result outputs a command result as indented JSON.
// An empty result object prints "OK".
func Result(w io.Writer, result json.RawMessage) error {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("{}")) {
		return ActionSuccess(w)
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// Event outputs a protocol event received at ts.
// Format: [HH:MM:SS] Method (session) {params}
func Event(w io.Writer, evt cdp.Event, ts time.Time, opts OutputOptions) error {
	timestamp := ts.Local().Format("15:04:05")

	params := "{}"
	if len(evt.Params) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, evt.Params); err == nil {
			params = buf.String()
		}
	}

	if opts.UseColor {
		fmt.Fprint(w, "[")
		colorFprint(w, color.Faint, timestamp)
		fmt.Fprint(w, "] ")
		colorFprint(w, color.FgCyan, evt.Method)
		if evt.SessionID != "" {
			fmt.Fprint(w, " (")
			colorFprint(w, color.FgYellow, evt.SessionID)
			fmt.Fprint(w, ")")
		}
		fmt.Fprintf(w, " %s\n", params)
		return nil
	}

	if evt.SessionID != "" {
		fmt.Fprintf(w, "[%s] %s (%s) %s\n", timestamp, evt.Method, evt.SessionID, params)
	} else {
		fmt.Fprintf(w, "[%s] %s %s\n", timestamp, evt.Method, params)
	}
	return nil
}
