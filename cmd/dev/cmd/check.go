package cmd

import (
	"fmt"
	"log/slog"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

// TestCmd runs the unit tests. Everything runs against the simulated SIMM,
// no programmer board is needed.
func TestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Run unit tests against the simulated SIMM",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := test.Test()
			if err != nil {
				return fmt.Errorf("tests failed: %w", err)
			}
			return nil
		},
	}
}

func LintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Run linters",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := test.Lint()
			if err != nil {
				return fmt.Errorf("lint failed: %w", err)
			}
			return nil
		},
	}
}

// CheckCmd is what CI runs before building a release for the board.
func CheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run linters and unit tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Info("linting")
			err := test.Lint()
			if err != nil {
				return fmt.Errorf("lint failed: %w", err)
			}
			slog.Info("testing")
			err = test.Test()
			if err != nil {
				return fmt.Errorf("tests failed: %w", err)
			}
			slog.Info("all checks passed")
			return nil
		},
	}
}
