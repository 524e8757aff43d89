// Package router drives one upload through rule evaluation, credential
// resolution and transfer.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/metrics"
	"github.com/elabx-org/cloudmux/internal/provider"
)

// State is a step of the upload state machine.
type State string

const (
	StatePending            State = "pending"
	StateRuleEvaluated      State = "rule_evaluated"
	StateCredentialResolved State = "credential_resolved"
	StateTransferring       State = "transferring"
	StatePlaced             State = "placed"
	StateFailed             State = "failed"
)

// Matcher picks a placement for a file.
type Matcher interface {
	Match(ctx context.Context, workspaceID string, file domain.FileInfo, def *domain.PlacementDecision, active map[string]bool) (domain.PlacementDecision, error)
}

// Providers is the part of the provider registry the router drives.
type Providers interface {
	Active(ctx context.Context, workspaceID string) (map[string]bool, error)
	Resolve(ctx context.Context, id string) (*provider.Resolved, error)
	NeedsRefresh(cred domain.Credential) bool
	BootstrapRootFolder(ctx context.Context, id string) (domain.FolderRef, error)
}

// Defaults returns a workspace's default placement, or nil when none is set.
type Defaults interface {
	DefaultPlacement(ctx context.Context, workspaceID string) (*domain.PlacementDecision, error)
}

// Upload is a file to route. Body must allow repeated reads so a failed
// transfer can be retried.
type Upload struct {
	File domain.FileInfo
	Body io.ReaderAt
}

// FailedError reports where an upload stopped. LastState is the last step
// that completed; Run resumes after it.
type FailedError struct {
	LastState State
	Kind      domain.Kind
	Err       error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("upload failed after %s (%s): %v", e.LastState, e.Kind, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

type Router struct {
	rules     Matcher
	providers Providers
	defaults  Defaults
}

func New(rules Matcher, providers Providers, defaults Defaults) *Router {
	return &Router{rules: rules, providers: providers, defaults: defaults}
}

// Begin creates a job for up in workspaceID. Nothing runs until Job.Run.
func (r *Router) Begin(workspaceID string, up Upload) *Job {
	return &Job{router: r, workspaceID: workspaceID, upload: up, state: StatePending}
}

// Job is one upload's progress. Run may be called again after a failure;
// completed steps are not repeated.
type Job struct {
	router      *Router
	workspaceID string
	upload      Upload

	mu        sync.Mutex
	state     State
	failed    bool
	decision  *domain.PlacementDecision
	resolved  *provider.Resolved
	placement domain.Placement
}

// State returns StateFailed after a failed Run, otherwise the last
// completed step.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failed {
		return StateFailed
	}
	return j.state
}

// Decision returns the rule decision, or nil before rule evaluation.
func (j *Job) Decision() *domain.PlacementDecision {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.decision == nil {
		return nil
	}
	d := *j.decision
	return &d
}

// Run advances the job to Placed or returns a *FailedError.
func (j *Job) Run(ctx context.Context) (domain.Placement, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state == StatePlaced {
		return j.placement, nil
	}
	j.failed = false
	if j.decision == nil {
		if err := j.evaluate(ctx); err != nil {
			return domain.Placement{}, j.fail(err, domain.KindInternal)
		}
	}
	if j.resolved == nil || j.router.providers.NeedsRefresh(j.resolved.Credential) {
		if err := j.resolve(ctx); err != nil {
			return domain.Placement{}, j.fail(err, domain.KindInternal)
		}
	}
	if err := j.transfer(ctx); err != nil {
		if errors.Is(err, domain.ErrCredentialExpired) {
			j.resolved = nil
			j.state = StateRuleEvaluated
		}
		return domain.Placement{}, j.fail(err, domain.KindTransferFailed)
	}
	return j.placement, nil
}

func (j *Job) evaluate(ctx context.Context) error {
	active, err := j.router.providers.Active(ctx, j.workspaceID)
	if err != nil {
		return err
	}
	var def *domain.PlacementDecision
	if j.router.defaults != nil {
		if def, err = j.router.defaults.DefaultPlacement(ctx, j.workspaceID); err != nil {
			return err
		}
	}
	d, err := j.router.rules.Match(ctx, j.workspaceID, j.upload.File, def, active)
	if err != nil {
		return err
	}
	j.decision = &d
	j.state = StateRuleEvaluated
	log.Debug().
		Str("workspace_id", j.workspaceID).
		Str("file", j.upload.File.Name).
		Str("rule_id", d.RuleID).
		Str("provider_id", d.ProviderID).
		Msg("router: placement decided")
	return nil
}

func (j *Job) resolve(ctx context.Context) error {
	j.resolved = nil
	j.state = StateRuleEvaluated
	res, err := j.router.providers.Resolve(ctx, j.decision.ProviderID)
	if err != nil {
		return err
	}
	j.resolved = res
	j.state = StateCredentialResolved
	return nil
}

func (j *Job) transfer(ctx context.Context) error {
	inst := j.resolved.Instance
	start := time.Now()

	if provider.Has(inst, domain.CapRootFolder) && inst.RootFolderID == "" {
		ref, err := j.router.providers.BootstrapRootFolder(ctx, inst.ID)
		if err != nil {
			metrics.RecordUpload(string(inst.Type), "failed", 0, time.Since(start))
			return err
		}
		inst.RootFolderID = ref.ID
	}

	target := provider.UploadTarget{RootFolderID: inst.RootFolderID, FolderPath: j.decision.FolderPath}
	obj, err := j.resolved.Adapter.Upload(ctx, target, j.upload.File, j.upload.Body)
	if err != nil {
		metrics.RecordUpload(string(inst.Type), "failed", 0, time.Since(start))
		return err
	}
	metrics.RecordUpload(string(inst.Type), "placed", j.upload.File.Size, time.Since(start))

	size := obj.Size
	if size == 0 {
		size = j.upload.File.Size
	}
	j.placement = domain.Placement{
		ProviderID:   inst.ID,
		ProviderType: inst.Type,
		RuleID:       j.decision.RuleID,
		RemoteID:     obj.ID,
		RemotePath:   obj.Path,
		Size:         size,
		Hash:         obj.Hash,
	}
	j.state = StatePlaced
	log.Info().
		Str("workspace_id", j.workspaceID).
		Str("provider_id", inst.ID).
		Str("remote_path", obj.Path).
		Int64("size", size).
		Msg("router: placed")
	return nil
}

// fail wraps err with the job's current state. Errors the taxonomy does not
// know are reported as fallback.
func (j *Job) fail(err error, fallback domain.Kind) error {
	kind := domain.KindOf(err)
	if kind == domain.KindInternal {
		kind = fallback
	}
	log.Warn().
		Err(err).
		Str("workspace_id", j.workspaceID).
		Str("file", j.upload.File.Name).
		Str("last_state", string(j.state)).
		Str("kind", string(kind)).
		Msg("router: upload failed")
	j.failed = true
	return &FailedError{LastState: j.state, Kind: kind, Err: err}
}
