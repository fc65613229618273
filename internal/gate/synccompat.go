package gate

import (
	"regexp"
	"strings"

	"github.com/fieldworks/skillrun/internal/model"
)

// syncRule pairs a forbidden-construct pattern with its remediation.
type syncRule struct {
	re          *regexp.Regexp
	pattern     string
	remediation string
	// needsTimeout rules only fire when the matched line lacks a timeout arg.
	needsTimeout bool
	// needsJoin rules only fire when the file never joins the spawned thread.
	needsJoin bool
}

// The target execution environment runs skills strictly synchronously; these
// constructs are rejected in any emitted source.
var syncRules = []syncRule{
	{
		re:          regexp.MustCompile(`(?m)^\s*async\s+def\s`),
		pattern:     "async def",
		remediation: "declare the function synchronously; suspension happens at turn boundaries, not in code",
	},
	{
		re:          regexp.MustCompile(`(?m)(^|[^\w])await\s`),
		pattern:     "await",
		remediation: "remove the await; call the operation synchronously",
	},
	{
		re:          regexp.MustCompile(`\basyncio\b`),
		pattern:     "asyncio",
		remediation: "drop the asyncio dependency; the runtime forbids event loops",
	},
	{
		re:          regexp.MustCompile(`\baiohttp\b`),
		pattern:     "aiohttp",
		remediation: "replace the async HTTP client with a synchronous one carrying an explicit timeout",
	},
	{
		re:          regexp.MustCompile(`httpx\.AsyncClient`),
		pattern:     "httpx.AsyncClient",
		remediation: "use httpx.Client with an explicit timeout",
	},
	{
		re:          regexp.MustCompile(`\bloop\.(create_task|run_until_complete)\b`),
		pattern:     "event loop task",
		remediation: "the runtime forbids background tasks; run the work inline",
	},
	{
		re:           regexp.MustCompile(`\brequests\.(get|post|put|patch|delete|head|request)\(`),
		pattern:      "network call without timeout",
		remediation:  "every outbound call must carry timeout=",
		needsTimeout: true,
	},
	{
		re:           regexp.MustCompile(`httpx\.(get|post|put|patch|delete|head|request)\(`),
		pattern:      "network call without timeout",
		remediation:  "every outbound call must carry timeout=",
		needsTimeout: true,
	},
	{
		re:          regexp.MustCompile(`\bthreading\.Thread\(`),
		pattern:     "background thread without join",
		remediation: "join the thread before returning, or remove it",
		needsJoin:   true,
	},
}

var timeoutArg = regexp.MustCompile(`timeout\s*=`)
var joinCall = regexp.MustCompile(`\.join\(`)

// SyncGate scans emitted source files for constructs that break the strictly
// synchronous execution model.
type SyncGate struct{}

// CheckSource scans one file's content.
func (g *SyncGate) CheckSource(file string, src []byte) Report {
	findings := g.scan(file, src)
	return report(NameSync, findings)
}

// CheckFiles scans a set of emitted files and accumulates findings.
func (g *SyncGate) CheckFiles(files map[string][]byte) Report {
	var findings []Finding
	for file, src := range files {
		findings = append(findings, g.scan(file, src)...)
	}
	return report(NameSync, findings)
}

func (g *SyncGate) scan(file string, src []byte) []Finding {
	var findings []Finding
	hasJoin := joinCall.Match(src)
	lines := strings.Split(string(src), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
			continue
		}
		for _, rule := range syncRules {
			if !rule.re.MatchString(line) {
				continue
			}
			if rule.needsTimeout && timeoutArg.MatchString(line) {
				continue
			}
			if rule.needsJoin && hasJoin {
				continue
			}
			findings = append(findings, Finding{
				Code:        "sync_violation",
				Message:     "forbidden construct: " + rule.pattern,
				File:        file,
				Line:        i + 1,
				Pattern:     rule.pattern,
				Remediation: rule.remediation,
			})
		}
	}
	return findings
}

// Findings converts a sync report into the model's finding records.
func Findings(r Report) []model.SyncFinding {
	out := make([]model.SyncFinding, 0, len(r.Findings))
	for _, f := range r.Findings {
		out = append(out, model.SyncFinding{
			File:        f.File,
			Line:        f.Line,
			Pattern:     f.Pattern,
			Remediation: f.Remediation,
		})
	}
	return out
}
