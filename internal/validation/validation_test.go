package validation

import (
	"context"
	"strings"
	"testing"

	"github.com/aristath/teamlead/internal/status"
	"github.com/aristath/teamlead/internal/trace"
)

type markCall struct {
	group, task, role, reason string
}

type fakeSink struct {
	calls []markCall
}

func (s *fakeSink) MarkValidationFailure(_ context.Context, _ trace.Trace, group, taskID, role, reason string) error {
	s.calls = append(s.calls, markCall{group, taskID, role, reason})
	return nil
}

func TestChain_DeployedWithoutPublicURL(t *testing.T) {
	sink := &fakeSink{}
	metrics := status.NewMetrics()
	chain := NewChain(Env{}, sink, metrics, nil, nil)

	var nudges []string
	text := "Deploy finished.\nSTATUS=deployed TASK=ECOM-001 ROLE=DEVOPS"
	report := chain.Run(context.Background(), trace.New("main"), Scope{
		Group: "main", TaskIDs: []string{"ECOM-001"}, Role: "DEVOPS",
	}, text, func(reason string) { nudges = append(nudges, reason) })

	failed := report.Failed()
	if len(failed) != 1 || failed[0] != "statusLine" {
		t.Fatalf("expected only statusLine to fail, got %v", failed)
	}
	if got := metrics.Get("main", status.ContractFailures); got != 1 {
		t.Errorf("contractFailures = %d, want 1", got)
	}
	if got := metrics.Get("main", status.StatusValidationFailures); got != 1 {
		t.Errorf("statusValidationFailures = %d, want 1", got)
	}
	if len(nudges) != 1 || nudges[0] != "status_line_contract_failed" {
		t.Errorf("unexpected nudges %v", nudges)
	}
	if len(sink.calls) != 1 || sink.calls[0].task != "ECOM-001" || sink.calls[0].role != "DEVOPS" {
		t.Errorf("unexpected sink calls %+v", sink.calls)
	}
	if !strings.Contains(sink.calls[0].reason, "URL_PUBLIC") {
		t.Errorf("reason should name the missing field: %q", sink.calls[0].reason)
	}
}

func TestChain_CleanOutputHasNoSideEffects(t *testing.T) {
	sink := &fakeSink{}
	metrics := status.NewMetrics()
	chain := NewChain(Env{DatabaseConfigured: true, DurableTunnelConfigured: true}, sink, metrics, nil, nil)

	called := false
	report := chain.Run(context.Background(), trace.New("main"), Scope{Group: "main", TaskIDs: []string{"A-1"}},
		"Working on the checkout layout, will report back.", func(string) { called = true })

	if !report.OK() {
		t.Errorf("unexpected failures %v", report.Failed())
	}
	for _, o := range report.Outcomes {
		if o.Checked {
			t.Errorf("%s should be unchecked for plain prose", o.Claim)
		}
	}
	if called || len(sink.calls) != 0 || len(metrics.Snapshot("main")) != 0 {
		t.Error("clean output must not trigger side effects")
	}
}

func TestChain_NudgeOnlyForStatusAndDeploy(t *testing.T) {
	chain := NewChain(Env{DatabaseConfigured: true, DurableTunnelConfigured: true}, nil, nil, nil, nil)

	var nudges []string
	text := strings.Join([]string{
		"ECOM-002 done, preview at https://shop.trycloudflare.com",
		"The app requires a database before it can start.",
	}, "\n")
	report := chain.Run(context.Background(), trace.New("main"), Scope{Group: "main"}, text,
		func(reason string) { nudges = append(nudges, reason) })

	want := []string{"runtimeStatus", "deployClaim", "doneEvidence", "tddCycle"}
	if got := report.Failed(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("failed = %v, want %v", got, want)
	}
	if len(nudges) != 1 || nudges[0] != "deploy_claim_contract_failed" {
		t.Errorf("unexpected nudges %v", nudges)
	}
}

func TestCheckStatusLine(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		checked bool
		ok      bool
	}{
		{"no status", "just talking", false, false},
		{"complete", "STATUS=in_progress TASK=A-1 ROLE=DEV", true, true},
		{"missing role", "STATUS=in_progress TASK=A-1", true, false},
		{"deployed public", "STATUS=deployed TASK=A-1 ROLE=DEVOPS URL_PUBLIC=https://shop.example.com", true, true},
		{"deployed loopback", "STATUS=deployed TASK=A-1 ROLE=DEVOPS URL_PUBLIC=http://127.0.0.1:8080", true, false},
		{"deployed localhost", "STATUS=deployed TASK=A-1 ROLE=DEVOPS URL_PUBLIC=http://localhost:3000", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := checkStatusLine(Env{}, tt.text)
			if res.Checked != tt.checked || (tt.checked && res.OK != tt.ok) {
				t.Errorf("got %+v", res)
			}
		})
	}
}

func TestCheckRuntimeStatus(t *testing.T) {
	tests := []struct {
		name string
		env  Env
		text string
		ok   bool
	}{
		{"db claim without db", Env{}, "This needs a database", true},
		{"db claim with db", Env{DatabaseConfigured: true}, "This needs a database", false},
		{"public url", Env{}, "Open https://shop.example.com/cart", true},
		{"local url", Env{}, "Open http://localhost:5173 to try it", false},
		{"local url in field is ignored", Env{}, "URL_LOCAL=http://localhost:5173 see https://shop.example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := checkRuntimeStatus(tt.env, tt.text)
			if !res.Checked || res.OK != tt.ok {
				t.Errorf("got %+v", res)
			}
		})
	}
}

func TestCheckDoneEvidence(t *testing.T) {
	if res := checkDoneEvidence(Env{}, "still working on it"); res.Checked {
		t.Errorf("no completion claim should be unchecked: %+v", res)
	}
	if res := checkDoneEvidence(Env{}, "MKT-001 completado"); !res.Checked || res.OK {
		t.Errorf("claim without evidence should fail: %+v", res)
	}
	full := "STATUS=done TASK=MKT-001 ROLE=DEV COMMAND=\"go test ./...\" RESULT=pass FILES=cart.go"
	if res := checkDoneEvidence(Env{}, full); !res.Checked || !res.OK {
		t.Errorf("claim with evidence should pass: %+v", res)
	}
}

func TestCheckTDDCycle(t *testing.T) {
	text := "STATUS=completed TDD_TYPE=unit TDD_RED=cart_test.go TDD_GREEN=cart.go"
	res := checkTDDCycle(Env{}, text)
	if !res.Checked || res.OK || !strings.Contains(res.Reason, "TDD_REFACTOR") {
		t.Errorf("expected missing TDD_REFACTOR, got %+v", res)
	}
	res = checkTDDCycle(Env{}, text+" TDD_REFACTOR=none")
	if !res.OK {
		t.Errorf("complete cycle should pass: %+v", res)
	}
}

func TestFields(t *testing.T) {
	f := Fields(`STATUS=done COMMAND="npm run test" STATUS=ignored`)
	if f["STATUS"] != "done" || f["COMMAND"] != "npm run test" {
		t.Errorf("unexpected fields %v", f)
	}
}
