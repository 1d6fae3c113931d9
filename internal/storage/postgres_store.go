package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/fleet-dispatch/internal/models"
)

// PostgresStore reads and writes the dispatch tables on PostgreSQL/PostGIS.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() { p.db.Close() }

func (p *PostgresStore) GetOrder(ctx context.Context, uuid string) (*models.Order, error) {
	row := p.db.QueryRow(ctx, `
		SELECT o.uuid, o.public_id, o.company_uuid, o.type, o.status,
		       o.pickup_lat, o.pickup_lon, o.dropoff_lat, o.dropoff_lon,
		       o.driver_assigned_uuid, o.adhoc, o.adhoc_distance,
		       o.dispatched, o.dispatched_at, o.driver_notified_at, o.meta,
		       o.created_at, o.updated_at,
		       c.uuid, c.public_id, c.name, c.adhoc_distance, c.deleted_at
		FROM orders o
		LEFT JOIN companies c ON c.uuid = o.company_uuid
		WHERE o.uuid = $1`, uuid)

	var (
		o                                         models.Order
		pickupLat, pickupLon, dropoffLat, dropLon *float64
		driverUUID                                *string
		companyUUID, companyPublicID, companyName *string
		companyAdhoc                              *float64
		companyDeletedAt                          *time.Time
	)
	err := row.Scan(
		&o.UUID, &o.PublicID, &o.CompanyUUID, &o.Type, &o.Status,
		&pickupLat, &pickupLon, &dropoffLat, &dropLon,
		&driverUUID, &o.Adhoc, &o.AdhocDistance,
		&o.Dispatched, &o.DispatchedAt, &o.DriverNotifiedAt, &o.Meta,
		&o.CreatedAt, &o.UpdatedAt,
		&companyUUID, &companyPublicID, &companyName, &companyAdhoc, &companyDeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", uuid, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	o.Pickup = pointFrom(pickupLat, pickupLon)
	o.Dropoff = pointFrom(dropoffLat, dropLon)
	if driverUUID != nil {
		o.DriverAssignedUUID = *driverUUID
	}
	if companyUUID != nil {
		o.Company = &models.Company{
			UUID:      *companyUUID,
			PublicID:  deref(companyPublicID),
			Name:      deref(companyName),
			Options:   models.CompanyOptions{AdhocDistance: companyAdhoc},
			DeletedAt: companyDeletedAt,
		}
	}

	activities, err := p.activities(ctx, uuid)
	if err != nil {
		return nil, err
	}
	o.Activities = activities
	return &o, nil
}

func (p *PostgresStore) activities(ctx context.Context, orderUUID string) ([]models.Activity, error) {
	rows, err := p.db.Query(ctx, `
		SELECT code, status, details, lat, lon, created_at
		FROM order_activities
		WHERE order_uuid = $1
		ORDER BY created_at ASC, id ASC`, orderUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		var lat, lon *float64
		if err := rows.Scan(&a.Code, &a.Status, &a.Details, &lat, &lon, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Location = pointFrom(lat, lon)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkDispatched(ctx context.Context, uuid string, mark DispatchMark) (bool, error) {
	var status *string
	if mark.Activity != nil {
		status = &mark.Activity.Code
	}
	won := false
	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET dispatched = TRUE,
			    dispatched_at = $2,
			    status = COALESCE($3, status),
			    updated_at = $2
			WHERE uuid = $1 AND dispatched = FALSE`,
			uuid, mark.At, status,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		won = true
		if a := mark.Activity; a != nil {
			var lat, lon *float64
			if a.Location != nil {
				lat, lon = &a.Location.Lat, &a.Location.Lon
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO order_activities (order_uuid, code, status, details, lat, lon, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				uuid, a.Code, a.Status, a.Details, lat, lon, a.CreatedAt,
			)
		}
		return err
	})
	if err != nil {
		return false, err
	}
	if !won {
		return false, p.mustExist(ctx, uuid)
	}
	return true, nil
}

func (p *PostgresStore) ClaimNotification(ctx context.Context, uuid string, now time.Time, lease time.Duration) (bool, error) {
	tag, err := p.db.Exec(ctx, `
		UPDATE orders
		SET notify_claimed_until = $3
		WHERE uuid = $1
		  AND driver_notified_at IS NULL
		  AND (notify_claimed_until IS NULL OR notify_claimed_until <= $2)`,
		uuid, now, now.Add(lease),
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, p.mustExist(ctx, uuid)
}

func (p *PostgresStore) ReleaseNotification(ctx context.Context, uuid string) error {
	tag, err := p.db.Exec(ctx, `UPDATE orders SET notify_claimed_until = NULL WHERE uuid = $1`, uuid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", uuid, ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) mustExist(ctx context.Context, uuid string) error {
	var exists bool
	if err := p.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE uuid = $1)`, uuid).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("order %s: %w", uuid, ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) MarkDriverNotified(ctx context.Context, uuid string, at time.Time) error {
	tag, err := p.db.Exec(ctx, `UPDATE orders SET driver_notified_at = $2, notify_claimed_until = NULL WHERE uuid = $1`, uuid, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", uuid, ErrNotFound)
	}
	return nil
}

const driverColumns = `
	d.uuid, d.public_id, d.company_uuid, d.status, d.online,
	ST_Y(d.location), ST_X(d.location), d.fcm_token, d.apn_token,
	d.updated_at, d.deleted_at,
	u.uuid, u.name, u.deleted_at,
	c.uuid, c.public_id, c.name, c.adhoc_distance, c.deleted_at`

func scanDriver(row pgx.Row, extra ...any) (*models.Driver, error) {
	var (
		d                                 models.Driver
		lat, lon                          *float64
		userUUID, userName                *string
		userDeletedAt                     *time.Time
		companyUUID, companyPID, compName *string
		companyAdhoc                      *float64
		companyDeletedAt                  *time.Time
	)
	dest := []any{
		&d.UUID, &d.PublicID, &d.CompanyUUID, &d.Status, &d.Online,
		&lat, &lon, &d.FCMToken, &d.APNToken,
		&d.Updated, &d.DeletedAt,
		&userUUID, &userName, &userDeletedAt,
		&companyUUID, &companyPID, &compName, &companyAdhoc, &companyDeletedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	d.Location = pointFrom(lat, lon)
	if userUUID != nil {
		d.User = &models.User{UUID: *userUUID, Name: deref(userName), DeletedAt: userDeletedAt}
	}
	if companyUUID != nil {
		d.Company = &models.Company{
			UUID:      *companyUUID,
			PublicID:  deref(companyPID),
			Name:      deref(compName),
			Options:   models.CompanyOptions{AdhocDistance: companyAdhoc},
			DeletedAt: companyDeletedAt,
		}
	}
	return &d, nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, uuid string) (*models.Driver, error) {
	row := p.db.QueryRow(ctx, `
		SELECT `+driverColumns+`
		FROM drivers d
		LEFT JOIN users u ON u.uuid = d.user_uuid
		LEFT JOIN companies c ON c.uuid = d.company_uuid
		WHERE d.uuid = $1`, uuid)
	d, err := scanDriver(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("driver %s: %w", uuid, ErrNotFound)
	}
	return d, err
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, uuid string, pt models.Point) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE drivers
		SET location = ST_SetSRID(ST_MakePoint($2, $3), 4326), updated_at = NOW()
		WHERE uuid = $1`, uuid, pt.Lon, pt.Lat)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("driver %s: %w", uuid, ErrNotFound)
	}
	return nil
}

// Within returns eligible drivers whose location lies within radius meters of
// center, nearest first. Soft-deleted drivers, users and companies are
// excluded, as are companies with no active online driver-linked user.
func (p *PostgresStore) Within(ctx context.Context, center models.Point, radius float64) ([]models.Match, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+driverColumns+`,
		       ST_DistanceSphere(d.location, ST_SetSRID(ST_MakePoint($1, $2), 4326)) AS distance
		FROM drivers d
		JOIN users u ON u.uuid = d.user_uuid AND u.deleted_at IS NULL
		JOIN companies c ON c.uuid = d.company_uuid AND c.deleted_at IS NULL
		WHERE d.deleted_at IS NULL
		  AND d.status = 'active'
		  AND d.online
		  AND d.location IS NOT NULL
		  AND EXISTS (
		      SELECT 1 FROM users cu
		      JOIN drivers cd ON cd.user_uuid = cu.uuid
		      WHERE cu.company_uuid = c.uuid
		        AND cu.deleted_at IS NULL
		        AND cd.deleted_at IS NULL
		        AND cd.status = 'active'
		        AND cd.online
		  )
		  AND ST_DWithin(d.location::geography, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)
		ORDER BY distance ASC, d.uuid ASC`,
		center.Lon, center.Lat, radius,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Match
	for rows.Next() {
		var dist float64
		d, err := scanDriver(rows, &dist)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Match{Driver: *d, Distance: dist})
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetCompany(ctx context.Context, uuid string) (*models.Company, error) {
	var c models.Company
	err := p.db.QueryRow(ctx, `
		SELECT uuid, public_id, name, adhoc_distance, deleted_at
		FROM companies WHERE uuid = $1`, uuid,
	).Scan(&c.UUID, &c.PublicID, &c.Name, &c.Options.AdhocDistance, &c.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("company %s: %w", uuid, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) FlowDefinition(ctx context.Context, companyUUID, orderType string) ([]byte, error) {
	var def []byte
	err := p.db.QueryRow(ctx, `
		SELECT definition FROM order_flows
		WHERE company_uuid = $1 AND order_type IN ($2, 'default')
		ORDER BY (order_type = $2) DESC
		LIMIT 1`, companyUUID, orderType,
	).Scan(&def)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("flow %s/%s: %w", companyUUID, orderType, ErrNotFound)
	}
	return def, err
}

func pointFrom(lat, lon *float64) *models.Point {
	if lat == nil || lon == nil {
		return nil
	}
	return &models.Point{Lat: *lat, Lon: *lon}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
