package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"opdtrack/internal/config"
	"opdtrack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const workOrderColumns = `number,customer,product_type,responsible,order_date,forecast_start,forecast_end,created_at,updated_at`

func scanWorkOrder(row *sql.Row) (domain.WorkOrder, error) {
	var w domain.WorkOrder
	var customer, productType, responsible sql.NullString
	var orderDate, forecastStart, forecastEnd sql.NullString
	err := row.Scan(&w.Number, &customer, &productType, &responsible, &orderDate, &forecastStart, &forecastEnd, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Customer = customer.String
	w.ProductType = productType.String
	w.Responsible = responsible.String
	w.OrderDate = optString(orderDate)
	w.ForecastStart = optString(forecastStart)
	w.ForecastEnd = optString(forecastEnd)
	return w, nil
}

func (r Repo) InsertWorkOrder(ctx context.Context, tx *sql.Tx, w domain.WorkOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_orders(`+workOrderColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		w.Number, nullable(w.Customer), nullable(w.ProductType), nullable(w.Responsible),
		nullableStringPtr(w.OrderDate), nullableStringPtr(w.ForecastStart), nullableStringPtr(w.ForecastEnd),
		w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorkOrder(ctx context.Context, number string) (domain.WorkOrder, error) {
	return scanWorkOrder(r.DB.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE number=?`, number))
}

func (r Repo) ListWorkOrders(ctx context.Context) ([]domain.WorkOrder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders ORDER BY created_at DESC, number DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		var w domain.WorkOrder
		var customer, productType, responsible sql.NullString
		var orderDate, forecastStart, forecastEnd sql.NullString
		if err := rows.Scan(&w.Number, &customer, &productType, &responsible, &orderDate, &forecastStart, &forecastEnd, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Customer = customer.String
		w.ProductType = productType.String
		w.Responsible = responsible.String
		w.OrderDate = optString(orderDate)
		w.ForecastStart = optString(forecastStart)
		w.ForecastEnd = optString(forecastEnd)
		res = append(res, w)
	}
	return res, rows.Err()
}

// WorkOrderUpdate carries optional field updates; nil means leave unchanged.
type WorkOrderUpdate struct {
	Customer      *string
	ProductType   *string
	Responsible   *string
	OrderDate     *string
	ForecastStart *string
	ForecastEnd   *string
}

func (r Repo) UpdateWorkOrder(ctx context.Context, number string, u WorkOrderUpdate) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v *string) {
		if v != nil {
			fields = append(fields, col+"=?")
			args = append(args, nullable(*v))
		}
	}
	set("customer", u.Customer)
	set("product_type", u.ProductType)
	set("responsible", u.Responsible)
	set("order_date", u.OrderDate)
	set("forecast_start", u.ForecastStart)
	set("forecast_end", u.ForecastEnd)
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, time.Now().UTC().Format(time.RFC3339), number)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE work_orders SET %s WHERE number=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteWorkOrder(ctx context.Context, number string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM work_orders WHERE number=?`, number)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const activityColumns = `id,work_order,parent_id,kind,crew,seq,status,accumulated_seconds,last_started_at,started_at,finished_at,due_date,form_result_id,notes,created_at,updated_at`

func scanActivity(scan func(dest ...any) error) (domain.Activity, error) {
	var a domain.Activity
	var parentID, crew, lastStartedAt, startedAt, finishedAt, dueDate, formResultID, notes sql.NullString
	var seq sql.NullInt64
	err := scan(&a.ID, &a.WorkOrder, &parentID, &a.Kind, &crew, &seq, &a.Status, &a.AccumulatedSeconds,
		&lastStartedAt, &startedAt, &finishedAt, &dueDate, &formResultID, &notes, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ParentID = optString(parentID)
	a.Crew = crew.String
	a.Seq = int(seq.Int64)
	a.LastStartedAt = optString(lastStartedAt)
	a.StartedAt = optString(startedAt)
	a.FinishedAt = optString(finishedAt)
	a.DueDate = optString(dueDate)
	a.FormResultID = optString(formResultID)
	a.Notes = notes.String
	return a, nil
}

func (r Repo) InsertActivity(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activities(`+activityColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkOrder, nullableStringPtr(a.ParentID), a.Kind, nullable(a.Crew), a.Seq, a.Status, a.AccumulatedSeconds,
		nullableStringPtr(a.LastStartedAt), nullableStringPtr(a.StartedAt), nullableStringPtr(a.FinishedAt),
		nullableStringPtr(a.DueDate), nullableStringPtr(a.FormResultID), nullable(a.Notes), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=?`, id)
	return scanActivity(row.Scan)
}

func (r Repo) GetActivityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Activity, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=?`, id)
	return scanActivity(row.Scan)
}

type ActivityFilters struct {
	WorkOrder string
	Status    string
	Kind      string
	Parent    string
}

func (r Repo) ListActivities(ctx context.Context, f ActivityFilters) ([]domain.Activity, error) {
	var clauses []string
	var args []any
	if f.WorkOrder != "" {
		clauses = append(clauses, "work_order=?")
		args = append(args, f.WorkOrder)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Parent != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.Parent)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities `+where+` ORDER BY seq ASC, created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateActivityTimer persists the fields a transition mutates: status,
// accumulated time, segment start, the start/finish stamps and the attached
// form result.
func (r Repo) UpdateActivityTimer(ctx context.Context, tx *sql.Tx, a domain.Activity) error {
	_, err := tx.ExecContext(ctx, `UPDATE activities SET status=?, accumulated_seconds=?, last_started_at=?, started_at=?, finished_at=?, form_result_id=?, updated_at=? WHERE id=?`,
		a.Status, a.AccumulatedSeconds, nullableStringPtr(a.LastStartedAt), nullableStringPtr(a.StartedAt),
		nullableStringPtr(a.FinishedAt), nullableStringPtr(a.FormResultID), a.UpdatedAt, a.ID)
	return err
}

// AttachFormResult links a submitted form to an activity.
func (r Repo) AttachFormResult(ctx context.Context, tx *sql.Tx, activityID, formResultID, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE activities SET form_result_id=?, updated_at=? WHERE id=?`,
		formResultID, updatedAt, activityID)
	return err
}

func (r Repo) UpdateActivityDueDate(ctx context.Context, id string, dueDate *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE activities SET due_date=?, updated_at=? WHERE id=?`,
		nullableStringPtr(dueDate), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLogs returns an activity's log in insertion order.
func (r Repo) ListLogs(ctx context.Context, activityID string) ([]domain.LogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,activity_id,work_order,action,actor,ts FROM activity_logs WHERE activity_id=? ORDER BY id ASC`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLogs(rows)
}

type LogFilters struct {
	WorkOrder  string
	ActivityID string
	Action     string
	Actor      string
	Limit      int
	Cursor     int64
}

// LatestLogs returns log entries newest first, optionally filtered, for the
// tail view.
func (r Repo) LatestLogs(ctx context.Context, f LogFilters) ([]domain.LogEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkOrder != "" {
		clauses = append(clauses, "work_order=?")
		args = append(args, f.WorkOrder)
	}
	if f.ActivityID != "" {
		clauses = append(clauses, "activity_id=?")
		args = append(args, f.ActivityID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Actor != "" {
		clauses = append(clauses, "actor=?")
		args = append(args, f.Actor)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,activity_id,work_order,action,actor,ts FROM activity_logs WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLogs(rows)
}

// LogsAfter returns log entries with IDs greater than the cursor in
// ascending order, for webhook delivery.
func (r Repo) LogsAfter(ctx context.Context, limit int, cursor int64) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,activity_id,work_order,action,actor,ts FROM activity_logs WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLogs(rows)
}

// LatestLogID returns the most recent activity log ID.
func (r Repo) LatestLogID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM activity_logs`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func collectLogs(rows *sql.Rows) ([]domain.LogEntry, error) {
	var res []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.ID, &e.ActivityID, &e.WorkOrder, &e.Action, &e.Actor, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertFormResult(ctx context.Context, tx *sql.Tx, fr domain.FormResult) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO form_results(id,work_order,activity_id,schema_ref,filled_by,draft,payload_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		fr.ID, fr.WorkOrder, nullableStringPtr(fr.ActivityID), fr.SchemaRef, fr.FilledBy, boolToInt(fr.Draft), nullable(fr.PayloadJSON), fr.CreatedAt)
	return err
}

func (r Repo) GetFormResult(ctx context.Context, id string) (domain.FormResult, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,work_order,activity_id,schema_ref,filled_by,draft,payload_json,created_at FROM form_results WHERE id=?`, id)
	return scanFormResult(row.Scan)
}

// LatestFormResultForActivity returns the newest non-draft result for an
// activity, or ErrNotFound.
func (r Repo) LatestFormResultForActivity(ctx context.Context, activityID string) (domain.FormResult, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,work_order,activity_id,schema_ref,filled_by,draft,payload_json,created_at FROM form_results WHERE activity_id=? AND draft=0 ORDER BY created_at DESC, id DESC LIMIT 1`, activityID)
	return scanFormResult(row.Scan)
}

func scanFormResult(scan func(dest ...any) error) (domain.FormResult, error) {
	var fr domain.FormResult
	var activityID, payload sql.NullString
	var draft int
	err := scan(&fr.ID, &fr.WorkOrder, &activityID, &fr.SchemaRef, &fr.FilledBy, &draft, &payload, &fr.CreatedAt)
	if err == sql.ErrNoRows {
		return fr, ErrNotFound
	}
	if err != nil {
		return fr, err
	}
	fr.ActivityID = optString(activityID)
	fr.Draft = draft != 0
	fr.PayloadJSON = payload.String
	return fr, nil
}

func (r Repo) CountActivitiesByStatus(ctx context.Context, workOrder string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM activities WHERE work_order=? GROUP BY status`, workOrder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

const configSettingKey = "config"

// UpsertConfig stores the shop config in the settings table.
func (r Repo) UpsertConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO settings(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, configSettingKey, string(payload), now)
	return err
}

// GetConfig loads the stored shop config.
func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, configSettingKey).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func optString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
