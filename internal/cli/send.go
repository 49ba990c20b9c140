package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/cdpmux/internal/cli/format"
)

// sendSession scopes the command to an attached session.
var sendSession string

var sendCmd = &cobra.Command{
	Use:   "send <method> [params]",
	Short: "Send a protocol command",
	Long: `Connects to the target, sends one DevTools protocol command and prints
its result. Params are a JSON object or the same object written as YAML.

If the connection drops while the command is in flight, the command is
retried once the connection is restored, within --timeout.

Examples:
  cdpmux send Browser.getVersion
  cdpmux --target 9A3E... send Page.navigate '{"url":"https://example.com"}'
  cdpmux send Runtime.evaluate '{"expression":"1+1"}' --session 5F2C...
  cdpmux send Page.navigate 'url: https://example.com'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendSession, "session", "", "Session ID to send the command on")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	method := args[0]

	var params any
	if len(args) > 1 {
		raw, err := parseParams(args[1])
		if err != nil {
			return outputError(err.Error())
		}
		params = raw
	}

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := commandContext(context.Background())
	defer cancel()

	client, err := connect(ctx, clientConfig(logger))
	if err != nil {
		return outputError(err.Error())
	}
	defer client.Close()

	result, err := client.SendToSession(ctx, sendSession, method, params)
	if err != nil {
		return outputError(err.Error())
	}

	if JSONOutput {
		return outputSuccess(result)
	}
	return format.Result(os.Stdout, result)
}
