package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
)

var schemaSQL = []string{
	`CREATE SCHEMA IF NOT EXISTS nettiego`,
	`CREATE TABLE IF NOT EXISTS nettiego.device_state (
    instance_id      TEXT PRIMARY KEY,
    name             TEXT NOT NULL,
    state            TEXT NOT NULL,
    device_id        TEXT,
    software_version TEXT,
    manufacturer     TEXT NOT NULL,
    pm2_5            DOUBLE PRECISION,
    pm10             DOUBLE PRECISION,
    temperature      DOUBLE PRECISION,
    humidity         DOUBLE PRECISION,
    pressure         DOUBLE PRECISION,
    latitude         DOUBLE PRECISION,
    longitude        DOUBLE PRECISION,
    fetched_at       TIMESTAMPTZ,
    last_error       TEXT,
    updated_at       TIMESTAMPTZ NOT NULL
)`,
}

const upsertStateSQL = `INSERT INTO nettiego.device_state (instance_id, name, state, device_id, software_version, manufacturer,
    pm2_5, pm10, temperature, humidity, pressure, latitude, longitude, fetched_at, last_error, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (instance_id) DO UPDATE
SET name = EXCLUDED.name,
    state = EXCLUDED.state,
    device_id = COALESCE(EXCLUDED.device_id, nettiego.device_state.device_id),
    software_version = COALESCE(EXCLUDED.software_version, nettiego.device_state.software_version),
    manufacturer = EXCLUDED.manufacturer,
    pm2_5 = EXCLUDED.pm2_5,
    pm10 = EXCLUDED.pm10,
    temperature = EXCLUDED.temperature,
    humidity = EXCLUDED.humidity,
    pressure = EXCLUDED.pressure,
    latitude = EXCLUDED.latitude,
    longitude = EXCLUDED.longitude,
    fetched_at = EXCLUDED.fetched_at,
    last_error = EXCLUDED.last_error,
    updated_at = EXCLUDED.updated_at`

// StateRow is the flattened form of a state update stored per instance.
// Only the latest row per instance is kept.
type StateRow struct {
	InstanceID      string     `json:"instance_id"`
	Name            string     `json:"name"`
	State           string     `json:"state"`
	DeviceID        *string    `json:"device_id,omitempty"`
	SoftwareVersion *string    `json:"software_version,omitempty"`
	Manufacturer    string     `json:"manufacturer"`
	PM25            *float64   `json:"pm2_5"`
	PM10            *float64   `json:"pm10"`
	Temperature     *float64   `json:"temperature"`
	Humidity        *float64   `json:"humidity"`
	Pressure        *float64   `json:"pressure"`
	Latitude        float64    `json:"lat"`
	Longitude       float64    `json:"lon"`
	FetchedAt       *time.Time `json:"fetched_at,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// BuildStateRow flattens a state update for storage.
func BuildStateRow(u models.StateUpdate) StateRow {
	row := StateRow{
		InstanceID:   u.InstanceID,
		Name:         u.Name,
		State:        u.State,
		Manufacturer: u.Manufacturer,
		Latitude:     u.Latitude,
		Longitude:    u.Longitude,
		FetchedAt:    u.FetchedAt,
		UpdatedAt:    u.PublishedAt,
	}
	if u.Measurement != nil {
		row.PM25 = u.Measurement.PM25
		row.PM10 = u.Measurement.PM10
		row.Temperature = u.Measurement.Temperature
		row.Humidity = u.Measurement.Humidity
		row.Pressure = u.Measurement.Pressure
	}
	if u.DeviceInfo != nil {
		row.DeviceID = u.DeviceInfo.ID
		row.SoftwareVersion = u.DeviceInfo.SoftwareVersion
	}
	if u.Error != "" {
		msg := u.Error
		row.LastError = &msg
	}
	return row
}

// EnsureSchema creates the state table when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaSQL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertStates writes the latest state per instance.
func UpsertStates(ctx context.Context, pool *pgxpool.Pool, rows []StateRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertStateSQL,
			r.InstanceID, r.Name, r.State, r.DeviceID, r.SoftwareVersion, r.Manufacturer,
			r.PM25, r.PM10, r.Temperature, r.Humidity, r.Pressure,
			r.Latitude, r.Longitude, r.FetchedAt, r.LastError, r.UpdatedAt)
	}

	res := pool.SendBatch(ctx, batch)
	defer res.Close()

	for range rows {
		if _, err := res.Exec(); err != nil {
			return err
		}
	}

	return nil
}

// DeleteState drops the row of a removed instance.
func DeleteState(ctx context.Context, pool *pgxpool.Pool, instanceID string) error {
	_, err := pool.Exec(ctx, `DELETE FROM nettiego.device_state WHERE instance_id = $1`, instanceID)
	return err
}

const listStatesSQL = `
    SELECT instance_id, name, state, device_id, software_version, manufacturer,
           pm2_5, pm10, temperature, humidity, pressure, latitude, longitude,
           fetched_at, last_error, updated_at
    FROM nettiego.device_state
    ORDER BY name, instance_id
`

// Store publishes state updates into Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and ensures the state table exists.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Name() string { return "postgres" }

// Publish upserts the update as the instance's current state.
func (s *Store) Publish(ctx context.Context, u models.StateUpdate) error {
	return UpsertStates(ctx, s.pool, []StateRow{BuildStateRow(u)})
}

// Remove deletes the instance's state row.
func (s *Store) Remove(ctx context.Context, instanceID string) error {
	return DeleteState(ctx, s.pool, instanceID)
}

// Close releases the pool resources.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// LatestStates returns the persisted state of every instance.
func (s *Store) LatestStates(ctx context.Context) ([]StateRow, error) {
	rows, err := s.pool.Query(ctx, listStatesSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make([]StateRow, 0)
	for rows.Next() {
		var r StateRow
		if err := rows.Scan(
			&r.InstanceID,
			&r.Name,
			&r.State,
			&r.DeviceID,
			&r.SoftwareVersion,
			&r.Manufacturer,
			&r.PM25,
			&r.PM10,
			&r.Temperature,
			&r.Humidity,
			&r.Pressure,
			&r.Latitude,
			&r.Longitude,
			&r.FetchedAt,
			&r.LastError,
			&r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		states = append(states, r)
	}
	return states, rows.Err()
}
