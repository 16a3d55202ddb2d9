// Package validation checks worker output for unsupported claims. Each claim
// is a pure predicate over the text; Chain applies the shared side effects.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/aristath/teamlead/internal/status"
	"github.com/aristath/teamlead/internal/workflow"
)

// Env is the runtime facts some claims are checked against.
type Env struct {
	DatabaseConfigured      bool
	DurableTunnelConfigured bool
}

// Result is one claim's verdict. Checked=false means the text made no claim
// the check applies to; it never counts as a failure.
type Result struct {
	Checked bool
	OK      bool
	Reason  string
}

func pass() Result { return Result{Checked: true, OK: true} }
func skip() Result { return Result{} }
func fail(format string, a ...any) Result {
	return Result{Checked: true, Reason: fmt.Sprintf(format, a...)}
}

// Claim is an entry of the validation table.
type Claim struct {
	Name   string
	Check  func(env Env, text string) Result
	Metric string // Specific counter bumped on failure
	Nudge  string // Reason passed to the nudge callback; empty for none
}

// Claims is the ordered validation table.
var Claims = []Claim{
	{Name: "statusLine", Check: checkStatusLine, Metric: status.StatusValidationFailures, Nudge: "status_line_contract_failed"},
	{Name: "runtimeStatus", Check: checkRuntimeStatus, Metric: status.RuntimeContradictionFailures},
	{Name: "deployClaim", Check: checkDeployClaim, Metric: status.DeployClaimFailures, Nudge: "deploy_claim_contract_failed"},
	{Name: "doneEvidence", Check: checkDoneEvidence, Metric: status.DoneEvidenceFailures},
	{Name: "tddCycle", Check: checkTDDCycle, Metric: status.TDDFailures},
}

var fieldRe = regexp.MustCompile(`\b([A-Z][A-Z0-9_]*)=("[^"]*"|\S+)`)

// Fields extracts KEY=value pairs. The first occurrence of a key wins.
func Fields(text string) map[string]string {
	out := make(map[string]string)
	for _, m := range fieldRe.FindAllStringSubmatch(text, -1) {
		if _, seen := out[m[1]]; seen {
			continue
		}
		out[m[1]] = strings.Trim(m[2], `"`)
	}
	return out
}

// statusCompanions must accompany any STATUS field.
var statusCompanions = []string{"TASK", "ROLE"}

func checkStatusLine(_ Env, text string) Result {
	f := Fields(text)
	status, ok := f["STATUS"]
	if !ok {
		return skip()
	}

	var missing []string
	for _, k := range statusCompanions {
		if f[k] == "" {
			missing = append(missing, k)
		}
	}
	if strings.EqualFold(status, "deployed") {
		public := f["URL_PUBLIC"]
		switch {
		case public == "":
			missing = append(missing, "URL_PUBLIC")
		case isLoopbackURL(public):
			return fail("STATUS=deployed with loopback URL_PUBLIC %s", public)
		}
	}
	if len(missing) > 0 {
		return fail("STATUS=%s missing %s", status, strings.Join(missing, ", "))
	}
	return pass()
}

var (
	dbClaimRe = regexp.MustCompile(`(?i)\b(requires?|needs?|missing|without)\s+(a\s+|the\s+)?(database|db|postgres(ql)?|mysql)\b|\b(database|db)\s+(is\s+)?not\s+(configured|available)\b`)
	urlRe     = regexp.MustCompile(`https?://[^\s)>\]"']+`)
)

func checkRuntimeStatus(env Env, text string) Result {
	prose := fieldRe.ReplaceAllString(text, "")
	urls := urlRe.FindAllString(prose, -1)
	dbClaim := dbClaimRe.FindString(text)
	if len(urls) == 0 && dbClaim == "" {
		return skip()
	}

	if dbClaim != "" && env.DatabaseConfigured {
		return fail("claims %q but a database is configured", dbClaim)
	}
	for _, u := range urls {
		if isLoopbackURL(u) {
			return fail("user-facing URL %s is only reachable locally", u)
		}
	}
	return pass()
}

var tunnelRe = regexp.MustCompile(`(?i)trycloudflare\.com|quick[\s-]tunnel|temporary[\s-]tunnel|ngrok-free`)

func checkDeployClaim(env Env, text string) Result {
	hit := tunnelRe.FindString(text)
	if hit == "" {
		return skip()
	}
	if env.DurableTunnelConfigured {
		return fail("mentions %q while a durable tunnel is configured", hit)
	}
	return pass()
}

var (
	doneStatusRe = regexp.MustCompile(`(?i)\bSTATUS=(done|completed)\b`)
	doneWordRe   = regexp.MustCompile(`(?i)\b(done|completed|completado|completada|terminado|terminada|finished)\b`)
)

// claimsCompletion reports whether text says some task is finished.
func claimsCompletion(text string) bool {
	if doneStatusRe.MatchString(text) {
		return true
	}
	for _, line := range strings.Split(text, "\n") {
		if len(workflow.ExtractTaskIDs(line)) > 0 && doneWordRe.MatchString(line) {
			return true
		}
	}
	return false
}

func requireFields(text string, keys []string, label string) Result {
	if !claimsCompletion(text) {
		return skip()
	}
	f := Fields(text)
	var missing []string
	for _, k := range keys {
		if f[k] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fail("completion claim without %s: missing %s", label, strings.Join(missing, ", "))
	}
	return pass()
}

func checkDoneEvidence(_ Env, text string) Result {
	return requireFields(text, []string{"COMMAND", "RESULT", "FILES"}, "evidence")
}

func checkTDDCycle(_ Env, text string) Result {
	return requireFields(text, []string{"TDD_TYPE", "TDD_RED", "TDD_GREEN", "TDD_REFACTOR"}, "TDD cycle")
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(strings.TrimRight(raw, ".,;"))
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "localhost", host == "0.0.0.0", host == "::1":
		return true
	case strings.HasPrefix(host, "127."):
		return true
	case strings.HasSuffix(host, ".localhost"):
		return true
	}
	return false
}
