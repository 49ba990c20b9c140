package main

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/grantcarthew/cdpmux/internal/cli"
)

// formatCobraError converts verbose Cobra errors to user-friendly messages.
func formatCobraError(err error) string {
	msg := err.Error()

	// "accepts between 1 and 2 arg(s), received 3"
	if strings.HasPrefix(msg, "accepts ") || strings.HasPrefix(msg, "requires at least ") {
		re := regexp.MustCompile(`received (\d+)`)
		if matches := re.FindStringSubmatch(msg); len(matches) > 1 {
			return fmt.Sprintf("wrong number of arguments (%s given), see --help", matches[1])
		}
	}

	return msg
}

func main() {
	if err := cli.Execute(); err != nil {
		// Print error if not already printed by command handler
		if !cli.IsPrintedError(err) {
			msg := formatCobraError(err)
			if cli.JSONOutput {
				resp := map[string]any{
					"ok":    false,
					"error": msg,
				}
				_ = json.NewEncoder(os.Stderr).Encode(resp)
			} else {
				fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
			}
		}
		os.Exit(1)
	}
}
