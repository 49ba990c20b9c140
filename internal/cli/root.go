package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/grantcarthew/cdpmux/internal/cdp"
)

// Version is set at build time.
var Version = "dev"

// Debug enables verbose debug output.
var Debug bool

// JSONOutput enables JSON output format (default is text).
var JSONOutput bool

// NoColor disables color output.
var NoColor bool

// Host and Port locate the browser's remote debugging endpoint.
var (
	Host string
	Port int
)

// Target selects the tab to connect to: a target ID or a WebSocket
// debugger URL. Empty means the browser itself.
var Target string

// Timeout bounds each command that talks to the browser.
var Timeout time.Duration

// FullyManageTabs makes the client prepare attached targets.
var FullyManageTabs bool

// Heartbeat is the interval between connection probes; zero disables them.
var Heartbeat time.Duration

var rootCmd = &cobra.Command{
	Use:           "cdpmux",
	Short:         "Resilient Chrome DevTools Protocol client",
	Long:          "cdpmux talks to a Chromium browser over the DevTools protocol, surviving dropped connections by reconnecting and replaying enabled domains.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&Host, "host", "127.0.0.1", "Browser remote debugging host")
	flags.IntVar(&Port, "port", cdp.DefaultPort, "Browser remote debugging port")
	flags.StringVar(&Target, "target", "", "Target ID or WebSocket debugger URL (default: the browser)")
	flags.DurationVar(&Timeout, "timeout", cdp.DefaultTimeout, "Timeout for browser requests")
	flags.BoolVar(&FullyManageTabs, "fully-manage-tabs", false, "Enable network and resume attached targets")
	flags.DurationVar(&Heartbeat, "heartbeat", 0, "Probe the connection at this interval (0 disables)")
	flags.BoolVar(&Debug, "debug", false, "Enable verbose debug output")
	flags.BoolVar(&JSONOutput, "json", false, "Output in JSON format (default is text)")
	flags.BoolVar(&NoColor, "no-color", false, "Disable color output")
	rootCmd.SetVersionTemplate(`cdpmux version {{.Version}}
Repository: https://github.com/grantcarthew/cdpmux
Report issues: https://github.com/grantcarthew/cdpmux/issues/new
`)
}

// newLogger returns the logger handed to the CDP client.
// Debug mode logs everything in development format; otherwise only
// warnings and errors reach stderr.
func newLogger() *zap.Logger {
	if Debug {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return zap.NewNop()
		}
		return logger
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Execute runs the root command.
// Supports command abbreviation via unique prefix matching.
func Execute() error {
	args := os.Args[1:]
	if len(args) > 0 {
		if expanded := tryExpandCommand(args[0]); expanded != "" {
			args[0] = expanded
			rootCmd.SetArgs(args)
		}
	}
	return rootCmd.Execute()
}

// tryExpandCommand attempts to expand a command abbreviation.
// Returns the expanded command if exactly one match is found, empty string otherwise.
func tryExpandCommand(prefix string) string {
	var matches []string
	for _, cmd := range rootCmd.Commands() {
		name := cmd.Name()
		if name == prefix {
			// Exact match, no expansion needed
			return ""
		}
		if len(prefix) < len(name) && name[:len(prefix)] == prefix {
			matches = append(matches, name)
		}
	}

	if len(matches) == 1 {
		return matches[0]
	}
	return ""
}

// printedError is an error whose message has already been written to stderr.
type printedError struct {
	msg string
}

func (e *printedError) Error() string { return e.msg }

// IsPrintedError reports whether err was already reported to the user.
func IsPrintedError(err error) bool {
	var pe *printedError
	return errors.As(err, &pe)
}

// isStdoutTTY returns true if stdout is a terminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// outputJSON writes a JSON response to the given writer.
// Pretty prints if stdout is a TTY, compact otherwise.
func outputJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	if isStdoutTTY() {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(data)
}

// outputSuccess writes a successful response to stdout.
// Uses text format by default, JSON if --json flag is set.
// For action commands (no data), outputs "OK" in text mode.
func outputSuccess(data any) error {
	if JSONOutput {
		resp := map[string]any{
			"ok": true,
		}
		if data != nil {
			resp["data"] = data
		}
		return outputJSON(os.Stdout, resp)
	}

	if data == nil {
		if shouldUseColor() {
			color.New(color.FgGreen).Fprintln(os.Stdout, "OK")
		} else {
			fmt.Fprintln(os.Stdout, "OK")
		}
		return nil
	}

	// Commands with data use their own formatters
	_, err := fmt.Fprintf(os.Stdout, "%v\n", data)
	return err
}

// outputError writes an error response to stderr and returns an error.
// Uses text format by default, JSON if --json flag is set.
func outputError(msg string) error {
	if JSONOutput {
		resp := map[string]any{
			"ok":    false,
			"error": msg,
		}
		_ = outputJSON(os.Stderr, resp)
	} else {
		if shouldUseColor() {
			color.New(color.FgRed).Fprint(os.Stderr, "Error:")
			fmt.Fprintf(os.Stderr, " %s\n", msg)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
		}
	}
	return &printedError{msg: msg}
}

// outputNotice writes a notice message to stderr without "Error:" prefix.
func outputNotice(msg string) {
	if JSONOutput {
		resp := map[string]any{
			"ok":      true,
			"message": msg,
		}
		_ = outputJSON(os.Stderr, resp)
		return
	}
	if shouldUseColor() {
		color.New(color.FgYellow).Fprintln(os.Stderr, msg)
		return
	}
	fmt.Fprintln(os.Stderr, msg)
}

// shouldUseColor determines if color output should be used based on flags and environment.
func shouldUseColor() bool {
	if JSONOutput {
		return false
	}
	if NoColor {
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
