package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fieldworks/skillrun/internal/contract"
)

// ArtifactGate checks that every artifact a contract requires exists in the
// correlation's artifact directory, is non-empty, and matches its declared
// type.
type ArtifactGate struct{}

// Check runs the artifact gate against dir.
func (g *ArtifactGate) Check(required []contract.RequiredArtifact, dir string) Report {
	var findings []Finding
	for _, artifact := range required {
		path := filepath.Join(dir, artifact.Name)
		info, err := os.Stat(path)
		if err != nil {
			findings = append(findings, Finding{
				Code:    "missing_artifact",
				Message: fmt.Sprintf("required artifact %q not found", artifact.Name),
				File:    artifact.Name,
			})
			continue
		}
		if info.Size() == 0 {
			findings = append(findings, Finding{
				Code:    "empty_artifact",
				Message: fmt.Sprintf("required artifact %q is empty", artifact.Name),
				File:    artifact.Name,
			})
			continue
		}
		if err := checkType(path, artifact.Type); err != nil {
			findings = append(findings, Finding{
				Code:    "artifact_type_mismatch",
				Message: fmt.Sprintf("artifact %q: %v", artifact.Name, err),
				File:    artifact.Name,
			})
		}
	}
	return report(NameArtifact, findings)
}

func checkType(path, declaredType string) error {
	switch declaredType {
	case "json":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("declared json but does not parse: %w", err)
		}
	case "text", "markdown", "patch", "":
		// Non-empty is enough for plain formats.
	default:
		return fmt.Errorf("unknown declared type %q", declaredType)
	}
	return nil
}
