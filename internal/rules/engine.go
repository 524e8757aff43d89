package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/metrics"
)

// Store persists rules. ListRules includes soft-deleted rules. SaveRules
// upserts the given rules in one transaction.
type Store interface {
	ListRules(ctx context.Context, workspaceID string) ([]domain.Rule, error)
	GetRule(ctx context.Context, id string) (domain.Rule, error)
	SaveRules(ctx context.Context, rules []domain.Rule) error
}

// NewRule is the input to Engine.Create. Enabled defaults to true.
type NewRule struct {
	Name             string           `json:"name"`
	Predicate        domain.Predicate `json:"predicate"`
	TargetProviderID string           `json:"target_provider_id"`
	TargetFolderPath string           `json:"target_folder_path"`
	Enabled          *bool            `json:"enabled,omitempty"`
}

// RulePatch changes the non-nil fields of a rule. Priority is changed
// through Reorder only.
type RulePatch struct {
	Name             *string           `json:"name,omitempty"`
	Predicate        *domain.Predicate `json:"predicate,omitempty"`
	TargetProviderID *string           `json:"target_provider_id,omitempty"`
	TargetFolderPath *string           `json:"target_folder_path,omitempty"`
	Enabled          *bool             `json:"enabled,omitempty"`
}

// Options configures an Engine.
type Options struct {
	// ValidateTarget rejects rule targets that are not usable providers of
	// the workspace. Nil accepts any non-empty id.
	ValidateTarget func(ctx context.Context, workspaceID, providerID string) error
	Now            func() time.Time
}

// Engine serializes rule mutations per workspace. Readers take the
// workspace's read lock, so an evaluation sees either the whole old order or
// the whole new one.
type Engine struct {
	store Store
	opts  Options

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func NewEngine(store Store, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: store, opts: opts, locks: make(map[string]*sync.RWMutex)}
}

func (e *Engine) lock(workspaceID string) *sync.RWMutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[workspaceID]
	if !ok {
		l = &sync.RWMutex{}
		e.locks[workspaceID] = l
	}
	return l
}

func (e *Engine) validate(ctx context.Context, r *domain.Rule) error {
	if _, err := Compile(r.Predicate); err != nil {
		return err
	}
	if r.TargetProviderID == "" {
		return fmt.Errorf("rules: target provider is required: %w", domain.ErrInvalidRule)
	}
	if err := checkFolder(r.TargetFolderPath); err != nil {
		return err
	}
	if e.opts.ValidateTarget != nil {
		if err := e.opts.ValidateTarget(ctx, r.WorkspaceID, r.TargetProviderID); err != nil {
			return fmt.Errorf("rules: target %s: %w: %w", r.TargetProviderID, domain.ErrInvalidRule, err)
		}
	}
	return nil
}

func checkFolder(folder string) error {
	for _, seg := range strings.Split(folder, "/") {
		if seg == ".." {
			return fmt.Errorf("rules: target folder %q escapes the root: %w", folder, domain.ErrInvalidRule)
		}
	}
	return nil
}

// Create appends a rule after the workspace's current last rule.
func (e *Engine) Create(ctx context.Context, workspaceID string, in NewRule) (domain.Rule, error) {
	now := e.opts.Now().UTC()
	r := domain.Rule{
		ID:               uuid.NewString(),
		WorkspaceID:      workspaceID,
		Name:             in.Name,
		Enabled:          in.Enabled == nil || *in.Enabled,
		Predicate:        in.Predicate,
		TargetProviderID: in.TargetProviderID,
		TargetFolderPath: in.TargetFolderPath,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.validate(ctx, &r); err != nil {
		return domain.Rule{}, err
	}

	l := e.lock(workspaceID)
	l.Lock()
	defer l.Unlock()

	existing, err := e.store.ListRules(ctx, workspaceID)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("rules: list: %w", err)
	}
	r.Priority = 0
	for _, x := range existing {
		if !x.Deleted && x.Priority >= r.Priority {
			r.Priority = x.Priority + 1
		}
	}
	if err := e.store.SaveRules(ctx, []domain.Rule{r}); err != nil {
		return domain.Rule{}, fmt.Errorf("rules: save: %w", err)
	}
	log.Info().Str("workspace_id", workspaceID).Str("rule_id", r.ID).Int("priority", r.Priority).Msg("rules: created")
	return r, nil
}

// get loads a live rule; soft-deleted rules are reported as not found.
func (e *Engine) get(ctx context.Context, id string) (domain.Rule, error) {
	r, err := e.store.GetRule(ctx, id)
	if err != nil {
		return domain.Rule{}, err
	}
	if r.Deleted {
		return domain.Rule{}, fmt.Errorf("rules: rule %s: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

// Update applies patch to a rule.
func (e *Engine) Update(ctx context.Context, id string, patch RulePatch) (domain.Rule, error) {
	r, err := e.get(ctx, id)
	if err != nil {
		return domain.Rule{}, err
	}
	l := e.lock(r.WorkspaceID)
	l.Lock()
	defer l.Unlock()

	if r, err = e.get(ctx, id); err != nil {
		return domain.Rule{}, err
	}
	if patch.Name != nil {
		r.Name = *patch.Name
	}
	if patch.Predicate != nil {
		r.Predicate = *patch.Predicate
	}
	if patch.TargetProviderID != nil {
		r.TargetProviderID = *patch.TargetProviderID
	}
	if patch.TargetFolderPath != nil {
		r.TargetFolderPath = *patch.TargetFolderPath
	}
	if patch.Enabled != nil {
		r.Enabled = *patch.Enabled
	}
	if err := e.validate(ctx, &r); err != nil {
		return domain.Rule{}, err
	}
	r.UpdatedAt = e.opts.Now().UTC()
	if err := e.store.SaveRules(ctx, []domain.Rule{r}); err != nil {
		return domain.Rule{}, fmt.Errorf("rules: save: %w", err)
	}
	return r, nil
}

// Reorder sets priority = position in ids for every live rule of the
// workspace that ids names. Unknown, foreign and deleted ids are ignored and
// unnamed rules keep their priority. It returns the resulting order.
func (e *Engine) Reorder(ctx context.Context, workspaceID string, ids []string) ([]domain.Rule, error) {
	l := e.lock(workspaceID)
	l.Lock()
	defer l.Unlock()

	existing, err := e.store.ListRules(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("rules: list: %w", err)
	}
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		if _, dup := pos[id]; !dup {
			pos[id] = i
		}
	}

	now := e.opts.Now().UTC()
	var changed []domain.Rule
	for i := range existing {
		r := &existing[i]
		p, named := pos[r.ID]
		if !named || r.Deleted || r.WorkspaceID != workspaceID || r.Priority == p {
			continue
		}
		r.Priority = p
		r.UpdatedAt = now
		changed = append(changed, *r)
	}
	if len(changed) > 0 {
		if err := e.store.SaveRules(ctx, changed); err != nil {
			return nil, fmt.Errorf("rules: save order: %w", err)
		}
	}
	log.Info().Str("workspace_id", workspaceID).Int("changed", len(changed)).Msg("rules: reordered")
	return live(existing), nil
}

// Delete soft-deletes a rule. Priorities of the remaining rules are left
// untouched.
func (e *Engine) Delete(ctx context.Context, id string) error {
	r, err := e.get(ctx, id)
	if err != nil {
		return err
	}
	l := e.lock(r.WorkspaceID)
	l.Lock()
	defer l.Unlock()

	if r, err = e.get(ctx, id); err != nil {
		return err
	}
	r.Deleted = true
	r.UpdatedAt = e.opts.Now().UTC()
	if err := e.store.SaveRules(ctx, []domain.Rule{r}); err != nil {
		return fmt.Errorf("rules: save: %w", err)
	}
	log.Info().Str("workspace_id", r.WorkspaceID).Str("rule_id", id).Msg("rules: deleted")
	return nil
}

// List returns the workspace's live rules in evaluation order, disabled
// rules included.
func (e *Engine) List(ctx context.Context, workspaceID string) ([]domain.Rule, error) {
	l := e.lock(workspaceID)
	l.RLock()
	defer l.RUnlock()

	existing, err := e.store.ListRules(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("rules: list: %w", err)
	}
	return live(existing), nil
}

// Match evaluates file against the workspace's rules.
func (e *Engine) Match(ctx context.Context, workspaceID string, file domain.FileInfo, def *domain.PlacementDecision, active map[string]bool) (domain.PlacementDecision, error) {
	l := e.lock(workspaceID)
	l.RLock()
	existing, err := e.store.ListRules(ctx, workspaceID)
	l.RUnlock()
	if err != nil {
		return domain.PlacementDecision{}, fmt.Errorf("rules: list: %w", err)
	}

	d, err := Evaluate(file, existing, def, active)
	switch {
	case errors.Is(err, domain.ErrNoPlacement):
		metrics.RecordRuleEvaluation("none")
	case err != nil:
		metrics.RecordRuleEvaluation("invalid")
	case d.IsDefault():
		metrics.RecordRuleEvaluation("default")
	default:
		metrics.RecordRuleEvaluation("rule")
	}
	return d, err
}

func live(rules []domain.Rule) []domain.Rule {
	out := make([]domain.Rule, 0, len(rules))
	for _, r := range rules {
		if !r.Deleted {
			out = append(out, r)
		}
	}
	return ordered(out)
}
