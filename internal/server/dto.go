package server

import (
	"encoding/json"
	"time"

	"opdtrack/internal/domain"
	"opdtrack/internal/engine"
	"opdtrack/internal/view"
)

// Request payloads

type CreateWorkOrderRequest struct {
	Number        string  `json:"number"`
	Customer      *string `json:"customer,omitempty"`
	ProductType   *string `json:"product_type,omitempty"`
	Responsible   *string `json:"responsible,omitempty"`
	OrderDate     *string `json:"order_date,omitempty" format:"date"`
	ForecastStart *string `json:"forecast_start,omitempty" format:"date"`
	ForecastEnd   *string `json:"forecast_end,omitempty" format:"date"`
	SkipChecklist bool    `json:"skip_checklist,omitempty"`
}

type UpdateWorkOrderRequest struct {
	Customer      *string `json:"customer,omitempty"`
	ProductType   *string `json:"product_type,omitempty"`
	Responsible   *string `json:"responsible,omitempty"`
	OrderDate     *string `json:"order_date,omitempty" format:"date"`
	ForecastStart *string `json:"forecast_start,omitempty" format:"date"`
	ForecastEnd   *string `json:"forecast_end,omitempty" format:"date"`
}

type CreateActivityRequest struct {
	Kind     string  `json:"kind"`
	Crew     *string `json:"crew,omitempty"`
	Seq      *int    `json:"seq,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
	DueDate  *string `json:"due_date,omitempty" format:"date"`
	Notes    *string `json:"notes,omitempty"`
}

type TimerRequest struct {
	Action string `json:"action" enum:"start,pause,resume,finish"`
}

type SubmitFormRequest struct {
	ActivityID *string        `json:"activity_id,omitempty"`
	SchemaRef  string         `json:"schema_ref"`
	Draft      bool           `json:"draft,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Response payloads

type WorkOrderResponse struct {
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

type ActivityResponse struct {
	ID             string  `json:"id"`
	WorkOrder      string  `json:"work_order"`
	ParentID       *string `json:"parent_id,omitempty"`
	Kind           string  `json:"kind"`
	Crew           string  `json:"crew,omitempty"`
	Seq            int     `json:"seq"`
	Status         string  `json:"status" enum:"to_do,in_progress,paused,done"`
	ElapsedSeconds int64   `json:"elapsed_seconds"`
	DaysLeft       *int    `json:"days_left,omitempty"`
	LastStartedAt  *string `json:"last_started_at,omitempty" format:"date-time"`
	StartedAt      *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt     *string `json:"finished_at,omitempty" format:"date-time"`
	DueDate        *string `json:"due_date,omitempty" format:"date"`
	FormResultID   *string `json:"form_result_id,omitempty"`
	Notes          string  `json:"notes,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type ActivityNodeResponse struct {
	ActivityResponse
	Subtasks []ActivityResponse `json:"subtasks,omitempty"`
}

type ChecklistResponse struct {
	WorkOrder  string                 `json:"work_order"`
	Stats      view.Stats             `json:"stats"`
	Activities []ActivityNodeResponse `json:"activities"`
}

type ActivityDetailResponse struct {
	ActivityResponse
	Logs []LogEntryResponse `json:"logs"`
}

type LogEntryResponse struct {
	ID         int64  `json:"id"`
	ActivityID string `json:"activity_id"`
	WorkOrder  string `json:"work_order"`
	Action     string `json:"action" enum:"started,paused,resumed,finished"`
	Actor      string `json:"actor"`
	TS         string `json:"ts" format:"date-time"`
}

type FormResultResponse struct {
	ID         string         `json:"id"`
	WorkOrder  string         `json:"work_order"`
	ActivityID *string        `json:"activity_id,omitempty"`
	SchemaRef  string         `json:"schema_ref"`
	FilledBy   string         `json:"filled_by"`
	Draft      bool           `json:"draft"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

func workOrderResponse(w domain.WorkOrder) WorkOrderResponse {
	return WorkOrderResponse{
		Number:        w.Number,
		Customer:      w.Customer,
		ProductType:   w.ProductType,
		Responsible:   w.Responsible,
		OrderDate:     w.OrderDate,
		ForecastStart: w.ForecastStart,
		ForecastEnd:   w.ForecastEnd,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
}

func mapWorkOrders(items []domain.WorkOrder) []WorkOrderResponse {
	out := make([]WorkOrderResponse, 0, len(items))
	for _, w := range items {
		out = append(out, workOrderResponse(w))
	}
	return out
}

func activityResponse(a domain.Activity, now time.Time) ActivityResponse {
	resp := ActivityResponse{
		ID:             a.ID,
		WorkOrder:      a.WorkOrder,
		ParentID:       a.ParentID,
		Kind:           a.Kind,
		Crew:           a.Crew,
		Seq:            a.Seq,
		Status:         a.Status,
		ElapsedSeconds: engine.DisplaySeconds(a, now),
		LastStartedAt:  a.LastStartedAt,
		StartedAt:      a.StartedAt,
		FinishedAt:     a.FinishedAt,
		DueDate:        a.DueDate,
		FormResultID:   a.FormResultID,
		Notes:          a.Notes,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
	if days, ok := view.DaysLeft(a.DueDate, now); ok {
		resp.DaysLeft = &days
	}
	return resp
}

func nodeResponse(n view.Node, now time.Time) ActivityNodeResponse {
	out := ActivityNodeResponse{ActivityResponse: activityResponse(n.Activity, now)}
	for _, sub := range n.Subtasks {
		out.Subtasks = append(out.Subtasks, activityResponse(sub, now))
	}
	return out
}

func logResponse(l domain.LogEntry) LogEntryResponse {
	return LogEntryResponse{
		ID:         l.ID,
		ActivityID: l.ActivityID,
		WorkOrder:  l.WorkOrder,
		Action:     l.Action,
		Actor:      l.Actor,
		TS:         l.TS,
	}
}

func formResultResponse(fr domain.FormResult) FormResultResponse {
	resp := FormResultResponse{
		ID:         fr.ID,
		WorkOrder:  fr.WorkOrder,
		ActivityID: fr.ActivityID,
		SchemaRef:  fr.SchemaRef,
		FilledBy:   fr.FilledBy,
		Draft:      fr.Draft,
		CreatedAt:  fr.CreatedAt,
	}
	if fr.PayloadJSON != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(fr.PayloadJSON), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
