package domain

// Activity statuses.
const (
	StatusToDo       = "to_do"
	StatusInProgress = "in_progress"
	StatusPaused     = "paused"
	StatusDone       = "done"
)

// Log actions recorded by the timer engine.
const (
	LogStarted  = "started"
	LogPaused   = "paused"
	LogResumed  = "resumed"
	LogFinished = "finished"
)

// WorkOrder is a production order (OPD). It owns a checklist of activities.
type WorkOrder struct {
	Number        string  `json:"number"`
	Customer      string  `json:"customer,omitempty"`
	ProductType   string  `json:"product_type,omitempty"`
	Responsible   string  `json:"responsible,omitempty"`
	OrderDate     *string `json:"order_date,omitempty" format:"date"`
	ForecastStart *string `json:"forecast_start,omitempty" format:"date"`
	ForecastEnd   *string `json:"forecast_end,omitempty" format:"date"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Activity is one checklist item within a work order, with its own timer.
// LastStartedAt is set exactly while Status is in_progress and marks the
// start of the current run segment; AccumulatedSeconds holds the sum of all
// completed segments.
type Activity struct {
	ID                 string  `json:"id"`
	WorkOrder          string  `json:"work_order"`
	ParentID           *string `json:"parent_id,omitempty"`
	Kind               string  `json:"kind"`
	Crew               string  `json:"crew,omitempty"`
	Seq                int     `json:"seq,omitempty"`
	Status             string  `json:"status" enum:"to_do,in_progress,paused,done"`
	AccumulatedSeconds int64   `json:"accumulated_seconds"`
	LastStartedAt      *string `json:"last_started_at,omitempty" format:"date-time"`
	StartedAt          *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt         *string `json:"finished_at,omitempty" format:"date-time"`
	DueDate            *string `json:"due_date,omitempty" format:"date"`
	FormResultID       *string `json:"form_result_id,omitempty"`
	Notes              string  `json:"notes,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

// LogEntry is one append-only transition record for an activity.
type LogEntry struct {
	ID         int64  `json:"id"`
	ActivityID string `json:"activity_id"`
	WorkOrder  string `json:"work_order"`
	Action     string `json:"action" enum:"started,paused,resumed,finished"`
	Actor      string `json:"actor"`
	TS         string `json:"ts" format:"date-time"`
}

// FormResult is a submitted quality-control form snapshot. A non-draft
// result attached to an activity satisfies finalize gating for kinds that
// require a form.
type FormResult struct {
	ID          string  `json:"id"`
	WorkOrder   string  `json:"work_order"`
	ActivityID  *string `json:"activity_id,omitempty"`
	SchemaRef   string  `json:"schema_ref"`
	FilledBy    string  `json:"filled_by"`
	Draft       bool    `json:"draft"`
	PayloadJSON string  `json:"payload_json,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// APIKey authenticates a caller against the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
