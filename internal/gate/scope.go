package gate

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/fieldworks/skillrun/internal/model"
)

// denyList names shared infrastructure no skill may touch regardless of its
// allowlist. It is hardcoded and cannot be overridden by contracts.
var denyList = []string{
	"src/shared/**",
	"**/base_node.py",
	"**/node_registry.py",
	"package.json",
	"pyproject.toml",
	"requirements.txt",
}

// ScopeGate checks that every changed file is covered by the allowlist and
// that none touch the deny-list.
type ScopeGate struct{}

// Check runs the scope gate over the changed file set.
func (g *ScopeGate) Check(allowlist model.Allowlist, changed []string) Report {
	var findings []Finding

	if len(changed) > model.MaxChangedFiles {
		findings = append(findings, Finding{
			Code:    "max_changed_files",
			Message: fmt.Sprintf("%d files changed, cap is %d", len(changed), model.MaxChangedFiles),
		})
	}

	for _, file := range changed {
		// Deny-list hits are still scope violations; the message carries the
		// deny-list detail.
		if MatchAny(denyList, file) {
			findings = append(findings, Finding{
				Code:        "scope_violation",
				Message:     fmt.Sprintf("%s matches the shared-infrastructure deny-list", file),
				File:        file,
				Remediation: "shared infrastructure is off-limits; move the change into the node's own files",
			})
			continue
		}
		if !MatchAny(allowlist.Patterns, file) {
			findings = append(findings, Finding{
				Code:        "scope_violation",
				Message:     fmt.Sprintf("%s is outside the declared allowlist", file),
				File:        file,
				Remediation: "add the path to allowlist.json before the implement turn, or drop the edit",
			})
		}
	}
	return report(NameScope, findings)
}

// ChangedFilesFromPatch extracts the touched paths from a unified git diff.
func ChangedFilesFromPatch(patch []byte) ([]string, error) {
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(patch))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "diff --git ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) >= 4 {
			file := strings.TrimPrefix(parts[3], "b/")
			seen[file] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan patch: %w", err)
	}
	files := make([]string, 0, len(seen))
	for file := range seen {
		files = append(files, file)
	}
	sort.Strings(files)
	return files, nil
}
