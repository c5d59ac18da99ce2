package pgregistry

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"

	"nuha.dev/trackserver/internal/device"
	"nuha.dev/trackserver/internal/registry"
	"nuha.dev/trackserver/internal/series"
)

// Registry persists devices in the tracker table, with the encoded series as
// a plain text column guarded by a revision counter. Unknown identifiers are
// auto-registered; deployments that want pre-registration only swap this
// implementation.
type Registry struct {
	db  *pgxpool.Pool
	log log.Logger
}

func New(db *pgxpool.Pool) *Registry {
	r := &Registry{db: db}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "pgregistry").Value()
	return r
}

const NEW_DEVICE_CREATED string = "new_device_created"

func (r *Registry) FindOrCreateByIMEI(ctx context.Context, id string) (*device.Device, error) {
	d := &device.Device{IMEI: id}
	var encoded string
	var battery *int
	selectSql := `SELECT id, protocol, battery, series, revision FROM tracker WHERE imei=$1`
	err := r.db.QueryRow(ctx, selectSql, id).Scan(&d.Id, &d.Protocol, &battery, &encoded, &d.Revision)
	if err != nil {
		if err == pgx.ErrNoRows {
			return r.create(ctx, id)
		}
		r.log.Error().Err(err).Str("imei", id).Msg("error querying tracker by imei")
		return nil, err
	}
	d.Battery = battery
	d.Series, err = series.FromEncoded(encoded)
	if err != nil {
		//corrupt stored series must surface, never be silently truncated
		r.log.Error().Err(err).EmbedObject(d).Msg("stored series is undecodable")
		return nil, err
	}
	return d, nil
}

func (r *Registry) create(ctx context.Context, id string) (*device.Device, error) {
	d := &device.Device{IMEI: id, Series: series.New()}
	insertSql := `INSERT INTO tracker(imei, protocol, series, revision) VALUES ($1, '', '', 0) RETURNING id`
	err := r.db.QueryRow(ctx, insertSql, id).Scan(&d.Id)
	if err != nil {
		r.log.Error().Err(err).Str("imei", id).Msg("error auto registering tracker")
		return nil, err
	}
	r.log.Info().Str("event", NEW_DEVICE_CREATED).EmbedObject(d).Msg("")
	return d, nil
}

func (r *Registry) Save(ctx context.Context, d *device.Device) error {
	updateSql := `UPDATE tracker SET protocol=$2, battery=$3, series=$4, revision=revision+1 WHERE id=$1 AND revision=$5`
	tag, err := r.db.Exec(ctx, updateSql, d.Id, d.Protocol, d.Battery, d.Series.Encoded(), d.Revision)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrConflict
	}
	d.Revision++
	return nil
}

func (r *Registry) FindActiveBinding(ctx context.Context, d *device.Device, at time.Time) (*registry.Binding, error) {
	b := &registry.Binding{}
	selectSql := `SELECT e.id, b.starts_at, b.ends_at, e.notify_to
		FROM binding b JOIN event e ON e.id = b.event_id
		WHERE b.tracker_id=$1 AND b.starts_at <= $2 AND b.ends_at >= $2
		ORDER BY b.starts_at DESC LIMIT 1`
	err := r.db.QueryRow(ctx, selectSql, d.Id, at).Scan(&b.EventId, &b.Starts, &b.Ends, &b.NotifyTo)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, registry.ErrNoBinding
		}
		return nil, err
	}
	return b, nil
}
