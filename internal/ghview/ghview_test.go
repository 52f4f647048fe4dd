package ghview

import (
	"context"
	"strings"
	"testing"

	"github.com/strongdm/drover/internal/runner"
)

type stubRunner struct {
	argv []string
	dir  string
	res  runner.Result
	err  error
}

func (s *stubRunner) Run(_ context.Context, argv []string, dir string) (runner.Result, error) {
	s.argv = argv
	s.dir = dir
	return s.res, s.err
}

func TestFetchPullRequestView(t *testing.T) {
	stub := &stubRunner{res: runner.Result{
		ExitCode: 0,
		Stdout: `{"number":42,"reviewDecision":"CHANGES_REQUESTED",` +
			`"statusCheckRollup":[{"conclusion":"FAILURE","state":"COMPLETED"}],` +
			`"reviews":[{"state":"CHANGES_REQUESTED"}]}`,
	}}
	view, err := GHCLI{Runner: stub}.FetchPullRequestView(context.Background(), "octo", "widgets", 42)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []string{"gh", "pr", "view", "42", "--repo", "octo/widgets", "--json", viewFields}
	if got := strings.Join(stub.argv, " "); got != strings.Join(want, " ") {
		t.Fatalf("argv %q, want %q", got, strings.Join(want, " "))
	}
	if view.Number != 42 || view.ReviewDecision != "CHANGES_REQUESTED" {
		t.Fatalf("view %+v", view)
	}
	if len(view.StatusCheckRollup) != 1 || view.StatusCheckRollup[0].Conclusion != "FAILURE" {
		t.Fatalf("rollup %+v", view.StatusCheckRollup)
	}
}

func TestFetchPullRequestView_NonzeroExit(t *testing.T) {
	stub := &stubRunner{res: runner.Result{ExitCode: 1, Stderr: "no pull requests found"}}
	_, err := GHCLI{Runner: stub}.FetchPullRequestView(context.Background(), "octo", "widgets", 7)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "gh exit 1") || !strings.Contains(err.Error(), "no pull requests found") {
		t.Fatalf("error %v", err)
	}
}

func TestFetchPullRequestView_BadJSON(t *testing.T) {
	stub := &stubRunner{res: runner.Result{ExitCode: 0, Stdout: "not json"}}
	_, err := GHCLI{Runner: stub}.FetchPullRequestView(context.Background(), "octo", "widgets", 7)
	if err == nil || !strings.Contains(err.Error(), "parse") {
		t.Fatalf("error %v", err)
	}
}
