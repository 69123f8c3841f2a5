package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crvs/deathform/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns a Store backed by the field store tables.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

var enrollmentColumns = map[string]string{
	FieldIncidentDate:   "incident_date",
	FieldEnrollmentDate: "enrollment_date",
	FieldStatus:         "status",
}

func (r *storePG) Create(ctx context.Context, c *Case) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		err := q.QueryRow(ctx, `
			INSERT INTO tracked_entities (id) VALUES ($1)
			RETURNING created_at, updated_at`, c.TrackedEntity).Scan(&c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert tracked entity: %w", err)
		}
		for id, v := range c.Attributes {
			if err := r.upsertAttribute(ctx, c.TrackedEntity, id, v); err != nil {
				return err
			}
		}
		e := c.Enrollment
		if _, err := q.Exec(ctx, `
			INSERT INTO enrollments (id, tracked_entity, status, enrollment_date, incident_date)
			VALUES ($1,$2,$3,$4,$5)`,
			e.ID, c.TrackedEntity, e.Status, e.EnrollmentDate, e.IncidentDate); err != nil {
			return fmt.Errorf("insert enrollment: %w", err)
		}
		for _, ev := range c.Events {
			if err := r.insertEvent(ctx, c.TrackedEntity, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *storePG) Get(ctx context.Context, trackedEntity string) (*Case, error) {
	q := r.conn(ctx)
	c := &Case{TrackedEntity: trackedEntity, Attributes: map[string]string{}}
	err := q.QueryRow(ctx, `SELECT created_at, updated_at FROM tracked_entities WHERE id = $1`, trackedEntity).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tracked entity: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT attribute, value FROM attribute_values WHERE tracked_entity = $1`, trackedEntity)
	if err != nil {
		return nil, fmt.Errorf("query attributes: %w", err)
	}
	for rows.Next() {
		var id, v string
		if err := rows.Scan(&id, &v); err != nil {
			rows.Close()
			return nil, err
		}
		c.Attributes[id] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = q.QueryRow(ctx, `
		SELECT id, status, enrollment_date, incident_date FROM enrollments WHERE tracked_entity = $1`, trackedEntity).
		Scan(&c.Enrollment.ID, &c.Enrollment.Status, &c.Enrollment.EnrollmentDate, &c.Enrollment.IncidentDate)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}

	if c.Events, err = r.events(ctx, trackedEntity); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *storePG) events(ctx context.Context, trackedEntity string) ([]*Event, error) {
	q := r.conn(ctx)
	rows, err := q.Query(ctx, `
		SELECT id, program_stage, event_date, due_date, is_dirty
		FROM events WHERE tracked_entity = $1 ORDER BY seq`, trackedEntity)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	var events []*Event
	byID := map[string]*Event{}
	for rows.Next() {
		e := &Event{DataValues: map[string]string{}}
		if err := rows.Scan(&e.ID, &e.ProgramStage, &e.EventDate, &e.DueDate, &e.IsDirty); err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, e)
		byID[e.ID] = e
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.Query(ctx, `
		SELECT v.event_id, v.data_element, v.value
		FROM event_data_values v JOIN events e ON e.id = v.event_id
		WHERE e.tracked_entity = $1`, trackedEntity)
	if err != nil {
		return nil, fmt.Errorf("query data values: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var eventID, de, v string
		if err := rows.Scan(&eventID, &de, &v); err != nil {
			return nil, err
		}
		if e := byID[eventID]; e != nil {
			e.DataValues[de] = v
		}
	}
	return events, rows.Err()
}

func (r *storePG) List(ctx context.Context, limit, offset int) ([]*Case, int, error) {
	q := r.conn(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM tracked_entities`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT id FROM tracked_entities ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	items := make([]*Case, 0, len(ids))
	for _, id := range ids {
		c, err := r.Get(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, nil
}

// Apply validates the batch against the current case, then writes every
// change in one transaction. The tracked entity row is locked for the
// duration so concurrent batches on the same case serialise.
func (r *storePG) Apply(ctx context.Context, trackedEntity string, changes Changes) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		var id string
		err := q.QueryRow(ctx, `SELECT id FROM tracked_entities WHERE id = $1 FOR UPDATE`, trackedEntity).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock tracked entity: %w", err)
		}

		current, err := r.Get(ctx, trackedEntity)
		if err != nil {
			return err
		}
		if err := current.ApplyAll(changes); err != nil {
			return err
		}

		for i, ch := range changes {
			if err := r.write(ctx, trackedEntity, ch); err != nil {
				return fmt.Errorf("change %d: %w", i, err)
			}
		}
		_, err = q.Exec(ctx, `UPDATE tracked_entities SET updated_at = NOW() WHERE id = $1`, trackedEntity)
		return err
	})
}

func (r *storePG) write(ctx context.Context, trackedEntity string, ch Change) error {
	q := r.conn(ctx)
	var err error
	switch ch.Kind {
	case KindAttribute:
		return r.upsertAttribute(ctx, trackedEntity, ch.Field, ch.Value)
	case KindEnrollment:
		col, ok := enrollmentColumns[ch.Field]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownField, ch.Field)
		}
		_, err = q.Exec(ctx, `UPDATE enrollments SET `+col+` = $2 WHERE tracked_entity = $1`, trackedEntity, ch.Value)
	case KindCreateEvent:
		return r.insertEvent(ctx, trackedEntity, &Event{ID: ch.Event, ProgramStage: ch.Field})
	case KindDataValue:
		if _, err = q.Exec(ctx, `
			INSERT INTO event_data_values (event_id, data_element, value) VALUES ($1,$2,$3)
			ON CONFLICT (event_id, data_element) DO UPDATE SET value = EXCLUDED.value`,
			ch.Event, ch.Field, ch.Value); err != nil {
			return err
		}
		_, err = q.Exec(ctx, `UPDATE events SET is_dirty = TRUE WHERE id = $1`, ch.Event)
	case KindEventDate:
		_, err = q.Exec(ctx, `UPDATE events SET event_date = $2 WHERE id = $1`, ch.Event, ch.Value)
	case KindDueDate:
		_, err = q.Exec(ctx, `UPDATE events SET due_date = $2 WHERE id = $1`, ch.Event, ch.Value)
	case KindEventDirty:
		_, err = q.Exec(ctx, `UPDATE events SET is_dirty = $2 WHERE id = $1`, ch.Event, ch.Value == "true")
	default:
		return fmt.Errorf("unknown change kind %q", ch.Kind)
	}
	return err
}

func (r *storePG) upsertAttribute(ctx context.Context, trackedEntity, id, value string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO attribute_values (tracked_entity, attribute, value) VALUES ($1,$2,$3)
		ON CONFLICT (tracked_entity, attribute) DO UPDATE SET value = EXCLUDED.value`,
		trackedEntity, id, value)
	if err != nil {
		return fmt.Errorf("upsert attribute %s: %w", id, err)
	}
	return nil
}

func (r *storePG) insertEvent(ctx context.Context, trackedEntity string, e *Event) error {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `
		INSERT INTO events (id, tracked_entity, program_stage, event_date, due_date, is_dirty)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, trackedEntity, e.ProgramStage, e.EventDate, e.DueDate, e.IsDirty); err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	for de, v := range e.DataValues {
		if _, err := q.Exec(ctx, `
			INSERT INTO event_data_values (event_id, data_element, value) VALUES ($1,$2,$3)`,
			e.ID, de, v); err != nil {
			return fmt.Errorf("insert data value %s: %w", de, err)
		}
	}
	return nil
}
