package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/cdpmux/internal/browser"
	"github.com/grantcarthew/cdpmux/internal/cli/format"
)

var newTabCmd = &cobra.Command{
	Use:   "new-tab [url]",
	Short: "Open a new tab",
	Long: `Opens a new tab through the browser's /json/new endpoint.

Without a URL the tab opens at about:blank. Prints the new target's ID
and debugger URL.

Examples:
  cdpmux new-tab
  cdpmux new-tab https://example.com`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNewTab,
}

func init() {
	rootCmd.AddCommand(newTabCmd)
}

func runNewTab(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(context.Background())
	defer cancel()

	pageURL := ""
	if len(args) > 0 {
		pageURL = args[0]
	}

	target, err := browser.CreateTarget(ctx, Host, Port, pageURL)
	if err != nil {
		return outputError(err.Error())
	}

	if JSONOutput {
		return outputSuccess(target)
	}
	return format.Target(os.Stdout, *target, format.NewOutputOptions(JSONOutput, NoColor))
}
