package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fieldworks/skillrun/internal/fixloop"
	"github.com/fieldworks/skillrun/internal/model"
)

// fixloopCmd replays the bounded fix loop from prepared attempt files:
// attempt-1.json, attempt-2.json, ... in --attempts-dir, each a JSON object
// of revised skill outputs. Useful for rehearsing a repair offline before an
// advisor-backed fixer is wired in.
func fixloopCmd() *cobra.Command {
	var (
		correlationID string
		skillName     string
		attemptsDir   string
		errorsPath    string
	)
	cmd := &cobra.Command{
		Use:          "fixloop",
		Short:        "Run the bounded fix loop from prepared attempt files",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			c, err := rt.registry.Get(skillName)
			if err != nil {
				return err
			}
			initial, err := readInitialErrors(errorsPath)
			if err != nil {
				return err
			}

			fixer := fixloop.FixerFunc(func(_ context.Context, req fixloop.Request) (map[string]any, error) {
				path := filepath.Join(attemptsDir, fmt.Sprintf("attempt-%d.json", req.Iteration))
				data, err := os.ReadFile(path)
				if err != nil {
					return nil, fmt.Errorf("no attempt for iteration %d: %w", req.Iteration, err)
				}
				var outputs map[string]any
				if err := json.Unmarshal(data, &outputs); err != nil {
					return nil, fmt.Errorf("parse %s: %w", path, err)
				}
				return outputs, nil
			})

			outcome, err := rt.loop.Run(cmd.Context(), c, fixer, correlationID, nil, initial)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(outcome, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			if outcome.Status != model.StateCompleted {
				return errGateFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation whose artifacts the fixes target")
	cmd.Flags().StringVar(&skillName, "skill", "", "contract the repaired output must satisfy")
	cmd.Flags().StringVar(&attemptsDir, "attempts-dir", "", "directory of attempt-<n>.json files")
	cmd.Flags().StringVar(&errorsPath, "errors", "", "JSON file with the initial error entries")
	_ = cmd.MarkFlagRequired("correlation-id")
	_ = cmd.MarkFlagRequired("skill")
	_ = cmd.MarkFlagRequired("attempts-dir")
	return cmd
}

func readInitialErrors(path string) ([]model.ErrorEntry, error) {
	if path == "" {
		return []model.ErrorEntry{{
			Kind:    model.ErrKindGate,
			Message: "fix requested by operator",
		}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []model.ErrorEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return entries, nil
}
