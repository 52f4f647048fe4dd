// Package ghview fetches the hosting-service view of a pull request. The
// shipped client shells out to the gh CLI; the sync engine only ever sees
// the parsed PRView and never writes back.
package ghview

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/strongdm/drover/internal/runner"
)

// CheckRollupEntry is one entry of statusCheckRollup.
type CheckRollupEntry struct {
	Conclusion string `json:"conclusion"`
	State      string `json:"state"`
}

// Review is one submitted review. Reviews arrive oldest first.
type Review struct {
	State string `json:"state"`
}

// PRView is the consumed slice of the hosting service's PR schema.
type PRView struct {
	Number            int64              `json:"number"`
	StatusCheckRollup []CheckRollupEntry `json:"statusCheckRollup"`
	ReviewDecision    string             `json:"reviewDecision"`
	Reviews           []Review           `json:"reviews"`
}

// Client fetches the current PR view.
type Client interface {
	FetchPullRequestView(ctx context.Context, owner, repo string, prNumber int64) (PRView, error)
}

// GHCLI fetches PR views via `gh pr view --json`.
type GHCLI struct {
	Runner runner.Runner
}

const viewFields = "number,statusCheckRollup,reviewDecision,reviews"

func (c GHCLI) FetchPullRequestView(ctx context.Context, owner, repo string, prNumber int64) (PRView, error) {
	r := c.Runner
	if r == nil {
		r = runner.Exec{}
	}
	argv := []string{
		"gh", "pr", "view", strconv.FormatInt(prNumber, 10),
		"--repo", owner + "/" + repo,
		"--json", viewFields,
	}
	res, err := r.Run(ctx, argv, "")
	if err != nil {
		return PRView{}, fmt.Errorf("fetch pr view %s/%s#%d: %w", owner, repo, prNumber, err)
	}
	if res.ExitCode != 0 {
		return PRView{}, fmt.Errorf("fetch pr view %s/%s#%d: gh exit %d: %s",
			owner, repo, prNumber, res.ExitCode, res.Stderr)
	}
	var view PRView
	if err := json.Unmarshal([]byte(res.Stdout), &view); err != nil {
		return PRView{}, fmt.Errorf("fetch pr view %s/%s#%d: parse: %w", owner, repo, prNumber, err)
	}
	return view, nil
}
