// Package webhook is the signed HTTP ingress for hosting-service events.
// It authenticates, replay-defends, and dispatches each delivery to the
// coordinator; the only coordinator error it recovers is an illegal
// transition, which it reports as ignored.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strongdm/drover/internal/audit"
	"github.com/strongdm/drover/internal/coordinator"
	"github.com/strongdm/drover/internal/lifecycle"
	"github.com/strongdm/drover/internal/metrics"
	"github.com/strongdm/drover/internal/runid"
	"github.com/strongdm/drover/internal/store"
)

const (
	DefaultPath            = "/github/webhook"
	DefaultMaxPayloadBytes = 1 << 20

	sourceGitHub = "github"
)

// Config controls the ingress contract.
type Config struct {
	Path             string `yaml:"path" json:"path"`
	Secret           string `yaml:"secret" json:"-"`
	RequireSignature bool   `yaml:"require_signature" json:"require_signature"`
	MaxPayloadBytes  int64  `yaml:"max_payload_bytes" json:"max_payload_bytes"`
}

type Options struct {
	Config  Config
	Store   *store.Store
	Coord   *coordinator.Coordinator
	Audit   audit.Sink
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   runid.Clock

	// NewDeliveryID synthesizes a delivery id when the sender omits the
	// header. Defaults to a fresh UUID.
	NewDeliveryID func() string
}

type Handler struct {
	cfg           Config
	store         *store.Store
	coord         *coordinator.Coordinator
	audit         audit.Sink
	log           *zap.Logger
	metrics       *metrics.Metrics
	clock         runid.Clock
	newDeliveryID func() string
}

func New(opts Options) *Handler {
	h := &Handler{
		cfg:           opts.Config,
		store:         opts.Store,
		coord:         opts.Coord,
		audit:         opts.Audit,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		clock:         opts.Clock,
		newDeliveryID: opts.NewDeliveryID,
	}
	if h.cfg.Path == "" {
		h.cfg.Path = DefaultPath
	}
	if h.cfg.MaxPayloadBytes <= 0 {
		h.cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if h.audit == nil {
		h.audit = audit.Nop{}
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.clock == nil {
		h.clock = runid.Real{}
	}
	if h.newDeliveryID == nil {
		h.newDeliveryID = uuid.NewString
	}
	return h
}

// PRResult is the per-PR outcome included in the response body.
type PRResult struct {
	PR      int64  `json:"pr"`
	RunID   string `json:"run_id,omitempty"`
	Action  string `json:"action,omitempty"`
	Outcome string `json:"outcome"`
	State   string `json:"state,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Response is the JSON body for every ingress reply.
type Response struct {
	OK                bool       `json:"ok"`
	Event             string     `json:"event,omitempty"`
	Delivery          string     `json:"delivery,omitempty"`
	DuplicateDelivery bool       `json:"duplicate_delivery,omitempty"`
	Processed         int        `json:"processed"`
	Ignored           int        `json:"ignored"`
	RetryableFailures int        `json:"retryable_failures"`
	Failures          int        `json:"failures"`
	Results           []PRResult `json:"results,omitempty"`
	Error             string     `json:"error,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if normalizePath(r.URL.Path) != normalizePath(h.cfg.Path) {
		h.reject(w, http.StatusNotFound, "not found", "path_mismatch")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, Response{OK: true})
	case http.MethodPost:
		h.handlePost(w, r)
	default:
		h.reject(w, http.StatusMethodNotAllowed, "method not allowed", "bad_method")
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	maxBytes := h.cfg.MaxPayloadBytes
	if cl := r.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil {
			h.reject(w, http.StatusBadRequest, "invalid content-length", "bad_content_length")
			return
		}
		if n > maxBytes {
			h.reject(w, http.StatusRequestEntityTooLarge, "payload too large", "payload_too_large")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		h.reject(w, http.StatusBadRequest, "unreadable body", "unreadable_body")
		return
	}
	// Content-Length can lie; re-check what actually arrived.
	if int64(len(body)) > maxBytes {
		h.reject(w, http.StatusRequestEntityTooLarge, "payload too large", "payload_too_large")
		return
	}
	if h.metrics != nil {
		h.metrics.WebhookPayloadSz.Observe(float64(len(body)))
	}

	eventType := strings.TrimSpace(r.Header.Get("X-GitHub-Event"))
	if eventType == "" {
		h.reject(w, http.StatusBadRequest, "missing X-GitHub-Event header", "missing_event")
		return
	}
	deliveryID := strings.TrimSpace(r.Header.Get("X-GitHub-Delivery"))
	if deliveryID == "" {
		deliveryID = h.newDeliveryID()
	}

	if h.cfg.Secret != "" || h.cfg.RequireSignature {
		if !validSignature(h.cfg.Secret, r.Header.Get("X-Hub-Signature-256"), body) {
			h.reject(w, http.StatusUnauthorized, "signature mismatch", "invalid_signature")
			return
		}
	}

	ctx := r.Context()
	bodySum := sha256.Sum256(body)
	var reserved bool
	err = h.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		reserved, err = tx.InsertWebhookDelivery(ctx, store.WebhookDelivery{
			Source:        sourceGitHub,
			DeliveryID:    deliveryID,
			EventType:     eventType,
			PayloadSHA256: hex.EncodeToString(bodySum[:]),
			ReceivedAt:    store.FormatTime(h.clock.Now()),
		})
		return err
	})
	if err != nil {
		h.countOutcome("reserve_failed")
		h.reject(w, http.StatusInternalServerError, "delivery reservation failed", "")
		return
	}
	if !reserved {
		h.countOutcome("duplicate_delivery")
		h.auditLine(deliveryID, eventType, "duplicate_delivery", Response{})
		writeJSON(w, http.StatusOK, Response{
			OK: true, Event: eventType, Delivery: deliveryID, DuplicateDelivery: true,
		})
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		h.release(ctx, deliveryID)
		h.reject(w, http.StatusBadRequest, "invalid json", "invalid_json")
		return
	}

	resp := h.dispatch(ctx, deliveryID, eventType, payload)
	if resp.RetryableFailures > 0 {
		// Release so the sender's retry is processed fresh.
		h.release(ctx, deliveryID)
		resp.OK = false
		h.countOutcome("retryable_failure")
		h.auditLine(deliveryID, eventType, "retryable_failure", resp)
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	h.countOutcome("processed")
	h.auditLine(deliveryID, eventType, "processed", resp)
	writeJSON(w, http.StatusOK, resp)
}

// action is one coordinator event derived from a delivery, applied to each
// targeted PR.
type action struct {
	kind    string
	value   string
	event   lifecycle.EventType
	payload map[string]any
}

func (h *Handler) dispatch(ctx context.Context, deliveryID, eventType string, payload map[string]any) Response {
	resp := Response{OK: true, Event: eventType, Delivery: deliveryID}

	owner, repo := repositoryRef(payload)
	if owner == "" || repo == "" {
		resp.Ignored = 1
		return resp
	}
	prNumbers := pullRequestNumbers(eventType, payload)
	if len(prNumbers) == 0 {
		resp.Ignored = 1
		return resp
	}
	actions := deriveActions(eventType, payload)

	for _, pr := range prNumbers {
		run, err := h.store.FindRunByPR(ctx, owner, repo, pr)
		if err != nil {
			if errors.Is(err, store.ErrRunNotFound) {
				resp.Ignored++
				resp.Results = append(resp.Results, PRResult{PR: pr, Outcome: "ignored", Detail: "no run bound to pr"})
				continue
			}
			resp.RetryableFailures++
			resp.Results = append(resp.Results, PRResult{PR: pr, Outcome: "retryable_failure", Detail: err.Error()})
			continue
		}
		if len(actions) == 0 {
			resp.Ignored++
			resp.Results = append(resp.Results, PRResult{PR: pr, RunID: run.RunID, Outcome: "ignored"})
			continue
		}
		for i, a := range actions {
			key := fmt.Sprintf("gh-webhook:%s:%s:%d:%d:%s:%s", deliveryID, eventType, pr, i, a.kind, a.value)
			res, err := h.coord.Apply(ctx, coordinator.Event{
				RunID:          run.RunID,
				Type:           a.event,
				IdempotencyKey: key,
				Payload:        a.payload,
			})
			switch {
			case err == nil:
				resp.Processed++
				outcome := "applied"
				if res.Duplicate {
					outcome = "duplicate"
				}
				resp.Results = append(resp.Results, PRResult{
					PR: pr, RunID: run.RunID, Action: string(a.event),
					Outcome: outcome, State: string(res.State),
				})
			case errors.Is(err, lifecycle.ErrIllegalTransition):
				resp.Ignored++
				resp.Results = append(resp.Results, PRResult{
					PR: pr, RunID: run.RunID, Action: string(a.event),
					Outcome: "ignored_invalid_transition", Detail: err.Error(),
				})
			default:
				resp.RetryableFailures++
				resp.Results = append(resp.Results, PRResult{
					PR: pr, RunID: run.RunID, Action: string(a.event),
					Outcome: "retryable_failure", Detail: err.Error(),
				})
			}
		}
	}
	return resp
}

// repositoryRef pulls (owner, repo) out of the standard repository block.
func repositoryRef(payload map[string]any) (owner, repo string) {
	repoObj, _ := payload["repository"].(map[string]any)
	if repoObj == nil {
		return "", ""
	}
	repo, _ = repoObj["name"].(string)
	ownerObj, _ := repoObj["owner"].(map[string]any)
	if ownerObj != nil {
		if login, ok := ownerObj["login"].(string); ok && login != "" {
			owner = login
		} else if name, ok := ownerObj["name"].(string); ok {
			owner = name
		}
	}
	return strings.TrimSpace(owner), strings.TrimSpace(repo)
}

// pullRequestNumbers extracts the PR numbers a delivery targets.
func pullRequestNumbers(eventType string, payload map[string]any) []int64 {
	switch eventType {
	case "pull_request", "pull_request_review", "issue_comment":
		if pr, ok := payload["pull_request"].(map[string]any); ok {
			if n, ok := asInt64(pr["number"]); ok {
				return []int64{n}
			}
		}
		if issue, ok := payload["issue"].(map[string]any); ok {
			if _, isPR := issue["pull_request"]; isPR {
				if n, ok := asInt64(issue["number"]); ok {
					return []int64{n}
				}
			}
		}
	case "check_suite", "check_run":
		obj, _ := payload[eventType].(map[string]any)
		if obj == nil {
			return nil
		}
		prs, _ := obj["pull_requests"].([]any)
		var out []int64
		seen := map[int64]bool{}
		for _, p := range prs {
			pm, _ := p.(map[string]any)
			if pm == nil {
				continue
			}
			if n, ok := asInt64(pm["number"]); ok && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
		return out
	}
	return nil
}

// Conclusion normalization for check events.
var (
	successConclusions = map[string]bool{
		"success": true, "neutral": true, "skipped": true,
	}
	failureConclusions = map[string]bool{
		"failure": true, "timed_out": true, "cancelled": true,
		"action_required": true, "startup_failure": true,
	}
	pendingStatuses = map[string]bool{
		"queued": true, "in_progress": true, "pending": true,
		"waiting": true, "requested": true,
	}
)

// deriveActions maps a delivery to the coordinator events it implies.
// pull_request and issue_comment deliveries locate runs but carry no
// transition of their own.
func deriveActions(eventType string, payload map[string]any) []action {
	switch eventType {
	case "pull_request_review":
		review, _ := payload["review"].(map[string]any)
		state, _ := review["state"].(string)
		state = strings.ToLower(strings.TrimSpace(state))
		if state != "changes_requested" {
			return nil
		}
		return []action{{
			kind: "review", value: state,
			event:   lifecycle.EventReviewSubmitted,
			payload: map[string]any{"state": state},
		}}

	case "check_suite", "check_run":
		obj, _ := payload[eventType].(map[string]any)
		if obj == nil {
			return nil
		}
		status, _ := obj["status"].(string)
		if pendingStatuses[strings.ToLower(strings.TrimSpace(status))] {
			return nil
		}
		conclusion, _ := obj["conclusion"].(string)
		conclusion = strings.ToLower(strings.TrimSpace(conclusion))
		var normalized string
		switch {
		case successConclusions[conclusion]:
			normalized = "success"
		case failureConclusions[conclusion]:
			normalized = "failure"
		default:
			return nil
		}
		return []action{{
			kind: "check", value: normalized,
			event:   lifecycle.EventCheckCompleted,
			payload: map[string]any{"conclusion": normalized},
		}}
	}
	return nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

func validSignature(secret, header string, body []byte) bool {
	if secret == "" {
		return false
	}
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (h *Handler) release(ctx context.Context, deliveryID string) {
	err := h.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.DeleteWebhookDelivery(ctx, sourceGitHub, deliveryID)
	})
	if err != nil {
		h.log.Warn("delivery release failed",
			zap.String("delivery", deliveryID), zap.Error(err))
	}
}

func (h *Handler) reject(w http.ResponseWriter, status int, msg, outcome string) {
	if outcome != "" {
		h.countOutcome(outcome)
	}
	writeJSON(w, status, Response{OK: false, Error: msg})
}

func (h *Handler) countOutcome(outcome string) {
	if h.metrics != nil {
		h.metrics.WebhookOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (h *Handler) auditLine(deliveryID, eventType, outcome string, resp Response) {
	_ = h.audit.Write(map[string]any{
		"kind":               "webhook_delivery",
		"delivery":           deliveryID,
		"event":              eventType,
		"outcome":            outcome,
		"processed":          resp.Processed,
		"ignored":            resp.Ignored,
		"retryable_failures": resp.RetryableFailures,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
