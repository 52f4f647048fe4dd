// Package coordinator is the sole entry point for run mutation. Every
// inbound command or signal becomes an Event applied inside one serializable
// transaction: idempotent insert, target resolution, transition assertion,
// state write, and event-specific side writes commit or roll back together.
package coordinator

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/strongdm/drover/internal/lifecycle"
	"github.com/strongdm/drover/internal/metrics"
	"github.com/strongdm/drover/internal/runid"
	"github.com/strongdm/drover/internal/store"
)

// ErrPRAlreadyLinked rejects a second command.pr.linked carrying a different
// number. It wraps ErrIllegalTransition so the webhook ingress downgrades it
// to "ignored" like any other invalid transition.
var ErrPRAlreadyLinked = fmt.Errorf("%w: pr already linked", lifecycle.ErrIllegalTransition)

type Coordinator struct {
	store   *store.Store
	clock   runid.Clock
	ids     runid.Generator
	log     *zap.Logger
	metrics *metrics.Metrics

	// WorkspaceRoot is where per-run workspaces are derived at creation.
	workspaceRoot string
}

type Options struct {
	Store         *store.Store
	Clock         runid.Clock
	IDs           runid.Generator
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	WorkspaceRoot string
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		store:         opts.Store,
		clock:         opts.Clock,
		ids:           opts.IDs,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		workspaceRoot: opts.WorkspaceRoot,
	}
	if c.clock == nil {
		c.clock = runid.Real{}
	}
	if c.ids == nil {
		c.ids = runid.Real{}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.workspaceRoot == "" {
		c.workspaceRoot = "workspaces"
	}
	return c
}

// Event is one inbound fact bound to a run. An empty IdempotencyKey is
// synthesized from the payload, event type, and run id.
type Event struct {
	RunID          string
	Type           lifecycle.EventType
	IdempotencyKey string
	Payload        map[string]any
}

// Result reports the committed outcome of Apply.
type Result struct {
	RunID     string             `json:"run_id"`
	State     lifecycle.RunState `json:"state"`
	PrevState lifecycle.RunState `json:"prev_state"`
	Changed   bool               `json:"changed"`
	Duplicate bool               `json:"duplicate"`
	LastError string             `json:"last_error,omitempty"`
}

// SynthesizeKey builds the default idempotency key:
// sha1(canonical_json(payload))[:12] scoped by event type and run id.
func SynthesizeKey(runID string, et lifecycle.EventType, payload map[string]any) (string, error) {
	canon, err := store.CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(canon))
	return fmt.Sprintf("%s:%s:%s", runID, et, hex.EncodeToString(sum[:])[:12]), nil
}

// CreateParams describes a new run. Budget is preserved verbatim.
type CreateParams struct {
	RunID         string // optional; generated when empty
	Owner         string
	Repo          string
	PromptVersion string
	Mode          string
	Budget        map[string]any
}

// CreateRun is the sole writer of runs: the run row, its QUEUED state row,
// and the command.run.create event commit atomically.
func (c *Coordinator) CreateRun(ctx context.Context, p CreateParams) (store.Run, error) {
	if strings.TrimSpace(p.Owner) == "" || strings.TrimSpace(p.Repo) == "" {
		return store.Run{}, fmt.Errorf("create run: owner and repo are required")
	}
	id := strings.TrimSpace(p.RunID)
	if id == "" {
		var err error
		id, err = c.ids.NewRunID()
		if err != nil {
			return store.Run{}, err
		}
	}
	if !runid.Valid.MatchString(id) {
		return store.Run{}, fmt.Errorf("create run: invalid run id %q", id)
	}
	mode := strings.TrimSpace(p.Mode)
	if mode == "" {
		mode = "push-only"
	}
	budget, err := store.CanonicalJSON(p.Budget)
	if err != nil {
		return store.Run{}, err
	}
	now := store.FormatTime(c.clock.Now())
	run := store.Run{
		RunID:         id,
		Owner:         p.Owner,
		Repo:          p.Repo,
		PromptVersion: p.PromptVersion,
		Mode:          mode,
		BudgetJSON:    budget,
		WorkspaceDir:  filepath.Join(c.workspaceRoot, id),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	payload := map[string]any{
		"owner":          p.Owner,
		"repo":           p.Repo,
		"prompt_version": p.PromptVersion,
		"mode":           mode,
	}
	key, err := SynthesizeKey(id, lifecycle.EventRunCreate, payload)
	if err != nil {
		return store.Run{}, err
	}
	payloadJSON, err := store.CanonicalJSON(payload)
	if err != nil {
		return store.Run{}, err
	}

	err = c.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertRun(ctx, run); err != nil {
			return err
		}
		if err := tx.InsertState(ctx, store.RunStateRow{
			RunID: id, State: string(lifecycle.StateQueued), UpdatedAt: now,
		}); err != nil {
			return err
		}
		_, err := tx.InsertEvent(ctx, store.EventRow{
			RunID:          id,
			EventType:      string(lifecycle.EventRunCreate),
			IdempotencyKey: key,
			PayloadJSON:    payloadJSON,
			CreatedAt:      now,
		})
		return err
	})
	if err != nil {
		return store.Run{}, err
	}
	c.log.Info("run created",
		zap.String("run_id", id),
		zap.String("owner", p.Owner),
		zap.String("repo", p.Repo))
	return run, nil
}

// Apply ingests one event. Duplicate (run_id, idempotency_key) submissions
// return the prior state with Duplicate=true and execute no side effects.
func (c *Coordinator) Apply(ctx context.Context, ev Event) (Result, error) {
	if !ev.Type.Valid() {
		return Result{}, fmt.Errorf("apply: invalid event type %q", string(ev.Type))
	}
	key := strings.TrimSpace(ev.IdempotencyKey)
	if key == "" {
		var err error
		key, err = SynthesizeKey(ev.RunID, ev.Type, ev.Payload)
		if err != nil {
			return Result{}, err
		}
	}
	payloadJSON, err := store.CanonicalJSON(ev.Payload)
	if err != nil {
		return Result{}, err
	}
	now := store.FormatTime(c.clock.Now())

	var res Result
	err = c.store.WithTx(ctx, func(tx *store.Tx) error {
		stateRow, err := tx.GetState(ctx, ev.RunID)
		if err != nil {
			return err
		}
		current := lifecycle.RunState(stateRow.State)
		res = Result{RunID: ev.RunID, State: current, PrevState: current, LastError: stateRow.LastError}

		inserted, err := tx.InsertEvent(ctx, store.EventRow{
			RunID:          ev.RunID,
			EventType:      string(ev.Type),
			IdempotencyKey: key,
			PayloadJSON:    payloadJSON,
			CreatedAt:      now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			res.Duplicate = true
			return nil
		}

		resolution, err := lifecycle.Resolve(current, ev.Type, ev.Payload)
		if err != nil {
			return err
		}
		if !resolution.Resolved {
			if ev.Type.MandatoryTransition() {
				return fmt.Errorf("%w: %s in %s resolves no target", lifecycle.ErrIllegalTransition, ev.Type, current)
			}
			return c.applySideWrites(ctx, tx, ev, now)
		}

		if err := lifecycle.AssertTransition(current, resolution.Target); err != nil {
			return err
		}
		if resolution.Target != current || resolution.LastError != stateRow.LastError {
			if err := tx.SetState(ctx, store.RunStateRow{
				RunID:     ev.RunID,
				State:     string(resolution.Target),
				LastError: resolution.LastError,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		res.State = resolution.Target
		res.Changed = resolution.Target != current
		res.LastError = resolution.LastError

		return c.applySideWrites(ctx, tx, ev, now)
	})
	if err != nil {
		c.countEvent(ev.Type, "rejected")
		return Result{}, err
	}

	switch {
	case res.Duplicate:
		c.countEvent(ev.Type, "duplicate")
	default:
		c.countEvent(ev.Type, "applied")
		if res.Changed && c.metrics != nil {
			c.metrics.Transitions.WithLabelValues(string(res.State)).Inc()
		}
	}
	c.log.Debug("event applied",
		zap.String("run_id", ev.RunID),
		zap.String("event_type", string(ev.Type)),
		zap.String("state", string(res.State)),
		zap.Bool("duplicate", res.Duplicate),
		zap.Bool("changed", res.Changed))
	return res, nil
}

func (c *Coordinator) countEvent(et lifecycle.EventType, outcome string) {
	if c.metrics != nil {
		c.metrics.EventsApplied.WithLabelValues(string(et), outcome).Inc()
	}
}

// applySideWrites persists event-specific artifacts inside the same
// transaction as the state write.
func (c *Coordinator) applySideWrites(ctx context.Context, tx *store.Tx, ev Event, now string) error {
	switch ev.Type {
	case lifecycle.EventPRLinked:
		pr, ok := payloadInt(ev.Payload, "pr_number")
		if !ok || pr <= 0 {
			return fmt.Errorf("apply %s: payload pr_number is required", ev.Type)
		}
		bound, err := tx.SetPRNumber(ctx, ev.RunID, pr, now)
		if err != nil {
			return err
		}
		if !bound {
			return fmt.Errorf("%w: run %s, refused pr %d", ErrPRAlreadyLinked, ev.RunID, pr)
		}

	case lifecycle.EventDiscoveryCompleted:
		if path := payloadString(ev.Payload, "contract_path"); path != "" {
			return tx.InsertArtifact(ctx, store.Artifact{
				RunID: ev.RunID, Type: store.ArtifactContract,
				URI: path, MetaJSON: "{}", CreatedAt: now,
			})
		}

	case lifecycle.EventPushCompleted:
		if branch := payloadString(ev.Payload, "branch"); branch != "" {
			return tx.InsertArtifact(ctx, store.Artifact{
				RunID: ev.RunID, Type: store.ArtifactBranch,
				URI: branch, MetaJSON: "{}", CreatedAt: now,
			})
		}
	}
	return nil
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func payloadInt(payload map[string]any, key string) (int64, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
