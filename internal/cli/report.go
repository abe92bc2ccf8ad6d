package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tasklane/loadgate/internal/summary"
)

func newReportCmd(s *streams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Compare summary artifacts across runs as a markdown table",
		Example: `  loadgate report --dir results
  loadgate report --dir results --latest --extras`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			latest, _ := cmd.Flags().GetBool("latest")
			extras, _ := cmd.Flags().GetBool("extras")

			rows, err := summary.Collect(dir)
			if errors.Is(err, summary.ErrNoArtifacts) {
				return &exitError{code: 1, err: fmt.Errorf("no summaries found in %s", dir)}
			}
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			if latest {
				rows = summary.Latest(rows)
			}
			return summary.RenderMarkdown(s.stdout, rows, extras)
		},
	}

	cmd.Flags().String("dir", "results", "Directory holding summary artifacts")
	cmd.Flags().Bool("latest", false, "Only show the most recent run id, ordered by VUs")
	cmd.Flags().Bool("extras", false, "Add a column per custom operation trend")
	return cmd
}
