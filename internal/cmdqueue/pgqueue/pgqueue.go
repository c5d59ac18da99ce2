package pgqueue

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"nuha.dev/trackserver/internal/cmdqueue"
)

// Queue is the pgx-backed command queue shared by all server instances.
type Queue struct {
	db  *pgxpool.Pool
	log log.Logger
}

func New(db *pgxpool.Pool) *Queue {
	q := &Queue{db: db}
	q.log = log.DefaultLogger
	q.log.Context = log.NewContext(nil).Str("module", "pgqueue").Value()
	return q
}

func (q *Queue) Enqueue(ctx context.Context, imei string, text string) error {
	insertSql := `INSERT INTO pending_command(imei, command, created_at, sent) VALUES ($1, $2, now(), false)`
	_, err := q.db.Exec(ctx, insertSql, imei, text)
	return err
}

func (q *Queue) Pending(ctx context.Context, imei string, cutoff time.Time) ([]cmdqueue.Command, error) {
	selectSql := `SELECT id, command, created_at FROM pending_command WHERE imei=$1 AND NOT sent AND created_at <= $2 ORDER BY created_at`
	rows, err := q.db.Query(ctx, selectSql, imei, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []cmdqueue.Command
	for rows.Next() {
		c := cmdqueue.Command{IMEI: imei}
		err := rows.Scan(&c.Id, &c.Text, &c.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkSent flips exactly the commands created at or before cutoff; a command
// enqueued after the drain snapshot stays unsent for the next drain.
func (q *Queue) MarkSent(ctx context.Context, imei string, cutoff time.Time) error {
	updateSql := `UPDATE pending_command SET sent=true WHERE imei=$1 AND NOT sent AND created_at <= $2`
	_, err := q.db.Exec(ctx, updateSql, imei, cutoff)
	return err
}
