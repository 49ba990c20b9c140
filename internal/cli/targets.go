package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/cdpmux/internal/browser"
	"github.com/grantcarthew/cdpmux/internal/cli/format"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List browser targets",
	Long: `Lists the browser's targets from the /json discovery endpoint.

Each line shows the target type, URL, title and the first 8 characters
of the target ID. Pass the full ID to --target to connect to a tab.`,
	Args: cobra.NoArgs,
	RunE: runTargets,
}

func init() {
	rootCmd.AddCommand(targetsCmd)
}

func runTargets(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(context.Background())
	defer cancel()

	targets, err := browser.FetchTargets(ctx, Host, Port)
	if err != nil {
		return outputError(err.Error())
	}

	if JSONOutput {
		return outputSuccess(targets)
	}
	return format.Targets(os.Stdout, targets, format.NewOutputOptions(JSONOutput, NoColor))
}
