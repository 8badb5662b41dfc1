package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"opdtrack/internal/config"
	"opdtrack/internal/domain"
	"opdtrack/internal/engine/forms"
	"opdtrack/internal/events"
	"opdtrack/internal/repo"
)

// Engine owns activity lifecycle transitions and elapsed-time accounting.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Logs   events.Writer
	Forms  *forms.Registry
	Config *config.Config
	Now    func() time.Time

	locks *activityLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Logs:   events.Writer{DB: db},
		Forms:  forms.NewRegistry(cfg),
		Config: cfg,
		Now:    time.Now,
		locks:  newActivityLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// activityLocks serializes transitions per activity so two concurrent calls
// can never both fold the same open run segment.
type activityLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newActivityLocks() *activityLocks {
	return &activityLocks{locks: map[string]*sync.Mutex{}}
}

func (l *activityLocks) lock(id string) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// IllegalTransitionError reports a timer action that is not valid from the
// activity's current status.
type IllegalTransitionError struct {
	Action string
	From   string
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot %s activity with status %s", e.Action, e.From)
}

// FormRequiredError reports a finish attempt on an activity whose kind
// requires a quality-control form that has not been attached.
type FormRequiredError struct {
	Kind      string
	SchemaRef string
}

func (e FormRequiredError) Error() string {
	return fmt.Sprintf("form %s must be completed before finishing %s", e.SchemaRef, e.Kind)
}

// Timer actions.
const (
	ActionStart  = "start"
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionFinish = "finish"
)

// TimerRequest asks for one transition on one activity.
type TimerRequest struct {
	ActivityID string
	Action     string
	Actor      string
}

// Timer validates and applies a single transition, folding run segments
// into accumulated time as needed, and appends exactly one log entry. The
// activity row and the log entry commit in one transaction; on any error
// the stored activity is unchanged.
func (e Engine) Timer(ctx context.Context, req TimerRequest) (domain.Activity, error) {
	if req.Actor == "" {
		return domain.Activity{}, errors.New("actor is required")
	}
	if e.locks != nil {
		unlock := e.locks.lock(req.ActivityID)
		defer unlock()
	}
	a, err := e.Repo.GetActivity(ctx, req.ActivityID)
	if err != nil {
		return a, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	next := a
	var action string

	switch req.Action {
	case ActionStart:
		if a.Status != domain.StatusToDo {
			return a, IllegalTransitionError{Action: req.Action, From: a.Status}
		}
		next.Status = domain.StatusInProgress
		next.LastStartedAt = &nowStr
		if next.StartedAt == nil {
			next.StartedAt = &nowStr
		}
		action = domain.LogStarted

	case ActionPause:
		if a.Status != domain.StatusInProgress {
			return a, IllegalTransitionError{Action: req.Action, From: a.Status}
		}
		next.AccumulatedSeconds += elapsedSince(a.LastStartedAt, now)
		next.LastStartedAt = nil
		next.Status = domain.StatusPaused
		action = domain.LogPaused

	case ActionResume:
		if a.Status != domain.StatusPaused {
			return a, IllegalTransitionError{Action: req.Action, From: a.Status}
		}
		next.Status = domain.StatusInProgress
		next.LastStartedAt = &nowStr
		action = domain.LogResumed

	case ActionFinish:
		if a.Status != domain.StatusInProgress && a.Status != domain.StatusPaused {
			return a, IllegalTransitionError{Action: req.Action, From: a.Status}
		}
		requirement := e.Forms.For(a.Kind)
		if requirement.Required && a.FormResultID == nil {
			// A completed result that was never attached still counts.
			fr, frErr := e.Repo.LatestFormResultForActivity(ctx, a.ID)
			if errors.Is(frErr, repo.ErrNotFound) {
				return a, FormRequiredError{Kind: a.Kind, SchemaRef: requirement.SchemaRef}
			}
			if frErr != nil {
				return a, frErr
			}
			next.FormResultID = &fr.ID
		}
		if a.Status == domain.StatusInProgress {
			next.AccumulatedSeconds += elapsedSince(a.LastStartedAt, now)
		}
		next.LastStartedAt = nil
		next.Status = domain.StatusDone
		next.FinishedAt = &nowStr
		action = domain.LogFinished

	default:
		return a, fmt.Errorf("unknown timer action %q", req.Action)
	}

	next.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateActivityTimer(ctx, tx, next); err != nil {
		return a, err
	}
	if err := e.Logs.Append(ctx, tx, next.ID, next.WorkOrder, action, req.Actor); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return next, nil
}

// elapsedSince returns whole seconds between a stored segment start and
// now. A clock that moved backward yields 0 rather than reducing
// accumulated time.
func elapsedSince(start *string, now time.Time) int64 {
	if start == nil {
		return 0
	}
	t, err := time.Parse(time.RFC3339, *start)
	if err != nil {
		return 0
	}
	d := int64(now.Sub(t) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// DisplaySeconds reports total elapsed work time at the given instant
// without mutating anything. Safe to call at any polling frequency.
func DisplaySeconds(a domain.Activity, now time.Time) int64 {
	if a.Status != domain.StatusInProgress {
		return a.AccumulatedSeconds
	}
	return a.AccumulatedSeconds + elapsedSince(a.LastStartedAt, now.UTC())
}

// WorkOrderCreateOptions are parameters for creating a work order.
type WorkOrderCreateOptions struct {
	Number        string
	Customer      string
	ProductType   string
	Responsible   string
	OrderDate     string
	ForecastStart string
	ForecastEnd   string
	Actor         string
	SkipChecklist bool
}

// CreateWorkOrder inserts a work order and seeds its standard activity
// checklist from config.
func (e Engine) CreateWorkOrder(ctx context.Context, opts WorkOrderCreateOptions) (domain.WorkOrder, error) {
	if e.Config == nil {
		return domain.WorkOrder{}, errors.New("config not loaded")
	}
	if opts.Number == "" {
		return domain.WorkOrder{}, errors.New("number is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	w := domain.WorkOrder{
		Number:        opts.Number,
		Customer:      opts.Customer,
		ProductType:   opts.ProductType,
		Responsible:   opts.Responsible,
		OrderDate:     optionalString(opts.OrderDate),
		ForecastStart: optionalString(opts.ForecastStart),
		ForecastEnd:   optionalString(opts.ForecastEnd),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkOrder(ctx, tx, w); err != nil {
		return w, fmt.Errorf("insert work order: %w", err)
	}
	if !opts.SkipChecklist {
		for _, entry := range e.Config.Checklist {
			a := domain.Activity{
				ID:        uuid.New().String(),
				WorkOrder: w.Number,
				Kind:      entry.Kind,
				Crew:      entry.Crew,
				Seq:       entry.Seq,
				Status:    domain.StatusToDo,
				DueDate:   w.ForecastStart,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := e.Repo.InsertActivity(ctx, tx, a); err != nil {
				return w, fmt.Errorf("seed checklist %s: %w", entry.Kind, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

// ActivityCreateOptions are parameters for adding an activity or subtask.
type ActivityCreateOptions struct {
	WorkOrder string
	ParentID  string
	Kind      string
	Crew      string
	Seq       int
	DueDate   string
	Notes     string
	Actor     string
}

// AddActivity appends one activity to a work order's checklist. Subtasks
// reference a parent in the same work order; nesting is one level deep.
func (e Engine) AddActivity(ctx context.Context, opts ActivityCreateOptions) (domain.Activity, error) {
	if opts.Kind == "" {
		return domain.Activity{}, errors.New("kind is required")
	}
	if _, err := e.Repo.GetWorkOrder(ctx, opts.WorkOrder); err != nil {
		return domain.Activity{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := domain.Activity{
		ID:        uuid.New().String(),
		WorkOrder: opts.WorkOrder,
		ParentID:  optionalString(opts.ParentID),
		Kind:      opts.Kind,
		Crew:      opts.Crew,
		Seq:       opts.Seq,
		Status:    domain.StatusToDo,
		DueDate:   optionalString(opts.DueDate),
		Notes:     opts.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if opts.ParentID != "" {
		// Parent is checked inside the tx so it cannot vanish between the
		// check and the insert.
		parent, err := e.Repo.GetActivityTx(ctx, tx, opts.ParentID)
		if err != nil {
			return domain.Activity{}, err
		}
		if parent.WorkOrder != opts.WorkOrder {
			return domain.Activity{}, errors.New("parent in different work order")
		}
		if parent.ParentID != nil {
			return domain.Activity{}, errors.New("subtasks cannot have subtasks")
		}
	}
	if err := e.Repo.InsertActivity(ctx, tx, a); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// FormSubmitOptions carry a completed (or draft) quality-control form.
type FormSubmitOptions struct {
	WorkOrder   string
	ActivityID  string
	SchemaRef   string
	FilledBy    string
	Draft       bool
	PayloadJSON string
}

// SubmitForm stores a form result. A non-draft result for an activity is
// attached to it, which satisfies finish gating for form-required kinds.
func (e Engine) SubmitForm(ctx context.Context, opts FormSubmitOptions) (domain.FormResult, error) {
	if opts.SchemaRef == "" {
		return domain.FormResult{}, errors.New("schema_ref is required")
	}
	if opts.FilledBy == "" {
		return domain.FormResult{}, errors.New("filled_by is required")
	}
	if _, err := e.Repo.GetWorkOrder(ctx, opts.WorkOrder); err != nil {
		return domain.FormResult{}, err
	}
	var activity *domain.Activity
	if opts.ActivityID != "" {
		a, err := e.Repo.GetActivity(ctx, opts.ActivityID)
		if err != nil {
			return domain.FormResult{}, err
		}
		if a.WorkOrder != opts.WorkOrder {
			return domain.FormResult{}, errors.New("activity in different work order")
		}
		activity = &a
	}
	now := e.now().UTC().Format(time.RFC3339)
	fr := domain.FormResult{
		ID:          uuid.New().String(),
		WorkOrder:   opts.WorkOrder,
		ActivityID:  optionalString(opts.ActivityID),
		SchemaRef:   opts.SchemaRef,
		FilledBy:    opts.FilledBy,
		Draft:       opts.Draft,
		PayloadJSON: opts.PayloadJSON,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fr, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertFormResult(ctx, tx, fr); err != nil {
		return fr, err
	}
	if activity != nil && !fr.Draft {
		if err := e.Repo.AttachFormResult(ctx, tx, activity.ID, fr.ID, now); err != nil {
			return fr, err
		}
	}
	if err := tx.Commit(); err != nil {
		return fr, err
	}
	return fr, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
