package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/cdpmux/internal/browser"
	"github.com/grantcarthew/cdpmux/internal/cli/format"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show browser version",
	Long:  "Shows the browser and protocol version reported by /json/version.",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(context.Background())
	defer cancel()

	info, err := browser.FetchVersion(ctx, Host, Port)
	if err != nil {
		return outputError(err.Error())
	}

	if JSONOutput {
		return outputSuccess(info)
	}
	return format.Version(os.Stdout, *info, format.NewOutputOptions(JSONOutput, NoColor))
}
