package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fieldworks/skillrun/internal/artifact"
	"github.com/fieldworks/skillrun/internal/gate"
)

// runCmd orchestrates the full gate stack over a correlation's artifact
// directory, the same checks the executor applies in-process.
func runCmd() *cobra.Command {
	var (
		correlationID string
		skillName     string
		skipScope     bool
		skipTrace     bool
		skipSync      bool
		skipArtifact  bool
	)
	cmd := &cobra.Command{
		Use:          "run",
		Short:        "Run the gate stack over a correlation's artifacts",
		Long:         "Run every gate over the correlation's artifact directory. Exit 0 when all gates pass, 1 on gate failure, 2 on internal error.",
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
			dir, err := rt.workspace.Dir(correlationID)
			if err != nil {
				return err
			}

			var reports []gate.Report
			if !skipArtifact {
				reports = append(reports, rt.gates.Artifact.Check(c.RequiredArtifacts, dir))
			}
			if !skipScope && artifact.Exists(dir, artifact.DiffPatchName) {
				allowlist, err := artifact.ReadAllowlist(dir)
				if err != nil {
					return fmt.Errorf("read allowlist: %w", err)
				}
				patch, err := artifact.ReadPatch(dir)
				if err != nil {
					return err
				}
				changed, err := gate.ChangedFilesFromPatch(patch)
				if err != nil {
					return err
				}
				reports = append(reports, rt.gates.Scope.Check(allowlist, changed))
			}
			if !skipTrace && artifact.Exists(dir, artifact.TraceMapName) {
				tm, err := artifact.ReadTraceMap(dir)
				if err != nil {
					return fmt.Errorf("read trace map: %w", err)
				}
				reports = append(reports, rt.gates.Trace.Check(tm, nil))
			}
			if !skipSync {
				sources, err := artifact.EmittedSources(dir)
				if err != nil {
					return err
				}
				if len(sources) > 0 {
					reports = append(reports, rt.gates.Sync.CheckFiles(sources))
				}
			}

			failed := 0
			for _, r := range reports {
				if err := printReport(cmd, r); err != nil {
					failed++
				}
			}
			log.Info().
				Str("correlation_id", correlationID).
				Str("skill", skillName).
				Int("gates", len(reports)).
				Int("failed", failed).
				Msg("gate run finished")
			if failed > 0 {
				return errGateFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation whose artifacts to check")
	cmd.Flags().StringVar(&skillName, "skill", "", "contract that defines required artifacts")
	cmd.Flags().BoolVar(&skipScope, "skip-scope", false, "skip the scope gate")
	cmd.Flags().BoolVar(&skipTrace, "skip-trace", false, "skip the trace-map gate")
	cmd.Flags().BoolVar(&skipSync, "skip-sync", false, "skip the sync-compat gate")
	cmd.Flags().BoolVar(&skipArtifact, "skip-artifact", false, "skip the artifact gate")
	_ = cmd.MarkFlagRequired("correlation-id")
	_ = cmd.MarkFlagRequired("skill")
	return cmd
}
