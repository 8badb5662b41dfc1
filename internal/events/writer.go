package events

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends activity log entries. Entries are written inside the same
// transaction as the activity mutation so a transition and its log record
// commit as one unit.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, activityID, workOrder, action, actor string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO activity_logs(activity_id,work_order,action,actor,ts) VALUES (?,?,?,?,?)`,
		activityID, workOrder, action, actor, ts)
	return err
}
