// Package artifact manages the per-correlation artifact directory:
// artifacts/<correlation_id>/, with fix-loop iterations nested under
// fix/<iteration>/.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldworks/skillrun/internal/model"
)

// Well-known artifact names.
const (
	RequestSnapshotName  = "request_snapshot.json"
	AllowlistName        = "allowlist.json"
	TraceMapName         = "trace_map.json"
	DiffPatchName        = "diff.patch"
	ValidationLogsName   = "validation_logs.txt"
	EscalationReportName = "escalation_report.md"
)

// Workspace anchors artifact paths under a root directory.
type Workspace struct {
	root string
}

// NewWorkspace returns a workspace rooted at root (typically
// ".skillrun/artifacts").
func NewWorkspace(root string) *Workspace {
	return &Workspace{root: root}
}

// Root returns the workspace root.
func (w *Workspace) Root() string { return w.root }

// Dir returns (and creates) the artifact directory for a correlation id.
func (w *Workspace) Dir(correlationID string) (string, error) {
	dir := filepath.Join(w.root, sanitize(correlationID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	return dir, nil
}

// IterationDir returns (and creates) the fix-loop subdirectory for one
// iteration.
func (w *Workspace) IterationDir(correlationID string, iteration int) (string, error) {
	dir := filepath.Join(w.root, sanitize(correlationID), "fix", strconv.Itoa(iteration))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create iteration dir: %w", err)
	}
	return dir, nil
}

// sanitize keeps correlation ids from escaping the workspace root.
func sanitize(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	return r.Replace(id)
}

// RequestSnapshot is the persisted request_snapshot.json payload.
type RequestSnapshot struct {
	SnapshotID    string         `json:"snapshot_id"`
	CorrelationID string         `json:"correlation_id"`
	SkillName     string         `json:"skill_name"`
	Inputs        map[string]any `json:"inputs"`
	InputsSHA256  string         `json:"inputs_sha256"`
	CapturedAt    time.Time      `json:"captured_at"`
}

// WriteRequestSnapshot persists the exact inputs with their hash and returns
// the hash.
func WriteRequestSnapshot(dir, correlationID, skillName string, inputs map[string]any) (string, error) {
	hash, err := HashInputs(inputs)
	if err != nil {
		return "", err
	}
	snapshot := RequestSnapshot{
		SnapshotID:    uuid.NewString(),
		CorrelationID: correlationID,
		SkillName:     skillName,
		Inputs:        inputs,
		InputsSHA256:  hash,
		CapturedAt:    time.Now().UTC(),
	}
	if err := WriteJSON(dir, RequestSnapshotName, snapshot); err != nil {
		return "", err
	}
	return hash, nil
}

// HashInputs returns the SHA-256 of the canonical JSON encoding of inputs.
// encoding/json sorts map keys, so equal inputs hash equally.
func HashInputs(inputs map[string]any) (string, error) {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("encode inputs: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// WriteJSON writes v as indented JSON under dir.
func WriteJSON(dir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// WriteText writes plain text under dir.
func WriteText(dir, name, content string) error {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// AppendValidationLog appends one timestamped line to validation_logs.txt.
func AppendValidationLog(dir, line string) error {
	f, err := os.OpenFile(filepath.Join(dir, ValidationLogsName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open validation log: %w", err)
	}
	defer func() { _ = f.Close() }()
	stamp := time.Now().UTC().Format(time.RFC3339)
	if _, err := fmt.Fprintf(f, "[%s] %s\n", stamp, line); err != nil {
		return fmt.Errorf("append validation log: %w", err)
	}
	return nil
}

// ReadAllowlist reads allowlist.json from dir.
func ReadAllowlist(dir string) (model.Allowlist, error) {
	var al model.Allowlist
	if err := readJSON(dir, AllowlistName, &al); err != nil {
		return model.Allowlist{}, err
	}
	return al, nil
}

// ReadTraceMap reads trace_map.json from dir.
func ReadTraceMap(dir string) (model.TraceMap, error) {
	var tm model.TraceMap
	if err := readJSON(dir, TraceMapName, &tm); err != nil {
		return model.TraceMap{}, err
	}
	return tm, nil
}

// ReadPatch reads diff.patch from dir; a missing patch returns nil bytes.
func ReadPatch(dir string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, DiffPatchName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", DiffPatchName, err)
	}
	return data, nil
}

// Exists reports whether the named artifact is present in dir.
func Exists(dir, name string) bool {
	info, err := os.Stat(filepath.Join(dir, name))
	return err == nil && !info.IsDir()
}

func readJSON(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// sourceExtensions are the target-grammar files the sync gate scans.
var sourceExtensions = map[string]struct{}{
	".py": {}, ".ts": {}, ".js": {},
}

// EmittedSources collects skill-emitted source files under dir, keyed by
// path relative to dir. Fix-loop subdirectories are skipped so each
// iteration is judged on its own output.
func EmittedSources(dir string) (map[string][]byte, error) {
	sources := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "fix" && filepath.Dir(path) == dir {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := sourceExtensions[filepath.Ext(path)]; !ok {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read emitted source %s: %w", path, err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		sources[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sources, nil
}

// EscalationReport captures the fix loop's terminal evidence.
type EscalationReport struct {
	CorrelationID string
	Iterations    int
	LastErrors    []model.ErrorEntry
	DiffsTried    []string
	Summary       string
}

// WriteEscalationReport renders escalation_report.md in dir.
func WriteEscalationReport(dir string, r EscalationReport) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Escalation Report\n\n")
	fmt.Fprintf(&b, "- Correlation: `%s`\n", r.CorrelationID)
	fmt.Fprintf(&b, "- Fix iterations exhausted: %d\n", r.Iterations)
	fmt.Fprintf(&b, "- Generated: %s\n\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "## Summary\n\n%s\n\n", r.Summary)
	if len(r.LastErrors) > 0 {
		fmt.Fprintf(&b, "## Last error set\n\n")
		for _, e := range r.LastErrors {
			if e.Subtype != "" {
				fmt.Fprintf(&b, "- **%s/%s**: %s\n", e.Kind, e.Subtype, e.Message)
			} else {
				fmt.Fprintf(&b, "- **%s**: %s\n", e.Kind, e.Message)
			}
		}
		b.WriteString("\n")
	}
	if len(r.DiffsTried) > 0 {
		fmt.Fprintf(&b, "## Diffs attempted\n\n")
		for _, d := range r.DiffsTried {
			fmt.Fprintf(&b, "- `%s`\n", d)
		}
		b.WriteString("\n")
	}
	b.WriteString("Human review required before this job can proceed.\n")
	return WriteText(dir, EscalationReportName, b.String())
}
