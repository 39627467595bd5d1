package deliverysink

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexagenda/project/internal/contracts"
)

const createDeliveriesTableSQL = `
CREATE TABLE IF NOT EXISTS digest_deliveries (
  event_id text PRIMARY KEY,
  run_id text NOT NULL,
  user_id text NOT NULL,
  email_id text NOT NULL DEFAULT '',
  status text NOT NULL,
  error text NOT NULL DEFAULT '',
  timezone text NOT NULL DEFAULT '',
  preferred_time text NOT NULL DEFAULT '',
  test boolean NOT NULL DEFAULT false,
  shard_id integer NOT NULL,
  stream_seq bigint NOT NULL DEFAULT 0,
  occurred_at timestamptz NOT NULL,
  inserted_at timestamptz NOT NULL DEFAULT now()
)`

const createDeliveriesRunIdxSQL = `
CREATE INDEX IF NOT EXISTS digest_deliveries_run_idx
ON digest_deliveries (run_id)`

const insertDeliverySQL = `
INSERT INTO digest_deliveries (
  event_id, run_id, user_id, email_id, status, error,
  timezone, preferred_time, test, shard_id, stream_seq, occurred_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (event_id) DO NOTHING
`

type DeliveryRepository struct {
	Pool *pgxpool.Pool
}

func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{Pool: pool}
}

func (r *DeliveryRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createDeliveriesTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createDeliveriesRunIdxSQL); err != nil {
		return err
	}
	return nil
}

func (r *DeliveryRepository) InsertDelivery(ctx context.Context, event contracts.DeliveryEvent, streamSeq uint64) error {
	_, err := r.Pool.Exec(ctx, insertDeliverySQL,
		event.EventID,
		event.RunID,
		event.UserID,
		event.EmailID,
		event.Status,
		event.Error,
		event.Timezone,
		event.PreferredTime,
		event.Test,
		event.ShardID,
		int64(streamSeq),
		event.OccurredAt,
	)
	return err
}
