package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/hivemind-dev/solve/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted agent sessions",
	Long:  `Display all persisted agent session documents in a table.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := store.SessionsDir()
		if err != nil {
			return err
		}
		sessions, err := store.ListSessions(dir)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions recorded.")
			return nil
		}

		headerStyle := lipgloss.NewStyle().Bold(true).Padding(0, 1)
		cellStyle := lipgloss.NewStyle().Padding(0, 1)

		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("SESSION", "STARTED", "MODEL", "BRANCH", "TOKENS", "COST", "LIMIT").
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			})
		for _, s := range sessions {
			limit := ""
			if s.LimitReached {
				limit = "reached"
			}
			t.Row(s.SessionID,
				s.StartedAt.Format("2006-01-02 15:04"),
				s.Model,
				s.Branch,
				fmt.Sprintf("%d", s.TotalTokens),
				fmt.Sprintf("$%.4f", s.CostUSD),
				limit)
		}
		fmt.Fprintln(cmd.OutOrStdout(), t.Render())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}
