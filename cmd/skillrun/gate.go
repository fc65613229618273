package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldworks/skillrun/internal/artifact"
	"github.com/fieldworks/skillrun/internal/contract"
	"github.com/fieldworks/skillrun/internal/gate"
	"github.com/fieldworks/skillrun/internal/model"
)

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func gateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Run a single gate against local files",
		Long:  "Run one validation gate against local files. Exit code 0 means the gate passed, 1 means it found violations.",
	}
	cmd.AddCommand(gateScopeCmd())
	cmd.AddCommand(gateTraceCmd())
	cmd.AddCommand(gateSyncCmd())
	cmd.AddCommand(gateArtifactCmd())
	return cmd
}

func gateScopeCmd() *cobra.Command {
	var allowlistPath, patchPath string
	cmd := &cobra.Command{
		Use:          "scope <artifact-dir>",
		Short:        "Check a diff against the allowlist and deny list",
		SilenceUsage: true,
		Args:         cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if allowlistPath == "" {
				allowlistPath = filepath.Join(dir, artifact.AllowlistName)
			}
			if patchPath == "" {
				patchPath = filepath.Join(dir, artifact.DiffPatchName)
			}

			var allowlist model.Allowlist
			if err := readJSONFile(allowlistPath, &allowlist); err != nil {
				return fmt.Errorf("read allowlist: %w", err)
			}
			patch, err := os.ReadFile(patchPath)
			if err != nil {
				return fmt.Errorf("read patch: %w", err)
			}
			changed, err := gate.ChangedFilesFromPatch(patch)
			if err != nil {
				return err
			}
			gates := gate.NewSet()
			return printReport(cmd, gates.Scope.Check(allowlist, changed))
		},
	}
	cmd.Flags().StringVar(&allowlistPath, "allowlist", "", "allowlist.json path (default <dir>/allowlist.json)")
	cmd.Flags().StringVar(&patchPath, "patch", "", "diff path (default <dir>/diff.patch)")
	return cmd
}

func gateTraceCmd() *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:          "trace <trace_map.json>",
		Short:        "Check a trace map's coverage and assumption ratio",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tm model.TraceMap
			if err := readJSONFile(args[0], &tm); err != nil {
				return fmt.Errorf("read trace map: %w", err)
			}
			gates := gate.NewSet()
			return printReport(cmd, gates.Trace.Check(tm, fields))
		},
	}
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "schema fields that must be evidenced")
	return cmd
}

func gateSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sync <file|dir>...",
		Short:        "Check source files for async and unjoined-thread patterns",
		SilenceUsage: true,
		Args:         cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make(map[string][]byte)
			for _, arg := range args {
				if err := collectSources(arg, files); err != nil {
					return err
				}
			}
			gates := gate.NewSet()
			return printReport(cmd, gates.Sync.CheckFiles(files))
		},
	}
	return cmd
}

func gateArtifactCmd() *cobra.Command {
	var skillName, contractsDir string
	cmd := &cobra.Command{
		Use:          "artifact <artifact-dir>",
		Short:        "Check a skill's required artifacts for presence and shape",
		SilenceUsage: true,
		Args:         cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := contract.Load(contractsDir)
			if err != nil {
				return err
			}
			c, err := registry.Get(skillName)
			if err != nil {
				return err
			}
			gates := gate.NewSet()
			return printReport(cmd, gates.Artifact.Check(c.RequiredArtifacts, args[0]))
		},
	}
	cmd.Flags().StringVar(&skillName, "skill", "", "contract whose required_artifacts to check")
	cmd.Flags().StringVar(&contractsDir, "contracts", "contracts", "contracts directory")
	_ = cmd.MarkFlagRequired("skill")
	return cmd
}

// printReport writes the JSON report to stdout with a one-line human summary
// on stderr, and maps failure onto the gate exit code.
func printReport(cmd *cobra.Command, r gate.Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	if r.Passed {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s gate: pass\n", r.Gate)
		return nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s gate: FAIL (%d findings)\n", r.Gate, len(r.Findings))
	return errGateFailed
}

// collectSources loads python/typescript/javascript files from a path.
func collectSources(path string, files map[string][]byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[path] = data
		return nil
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".py", ".ts", ".js":
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			files[p] = data
		}
		return nil
	})
}
