// Package db persists PLC registrations and sensor history in SQLite.
package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/gorm"

	"plcrpc/internal/model"
)

// DB wraps the sqlite connection.
type DB struct {
	ORM *gorm.DB
}

// Open opens the SQLite database using GORM and runs migrations. The parent
// directory is created when missing.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	g, err := openORM(path)
	if err != nil {
		return nil, err
	}
	if err := migrateORM(g); err != nil {
		_ = closeORM(g)
		return nil, err
	}
	return &DB{ORM: g}, nil
}

func (d *DB) Close() error { return closeORM(d.ORM) }

// SaveReadings inserts sensor_readings rows in batches.
func (d *DB) SaveReadings(ctx context.Context, rows []model.SensorReading) error {
	return insertReadings(ctx, d.ORM, rows)
}

// SaveRegistration inserts a plc_registrations row.
func (d *DB) SaveRegistration(ctx context.Context, r *model.PLCRegistration) error {
	return insertRegistration(ctx, d.ORM, r)
}

// Registrations returns the registrations of a PLC, oldest first.
func (d *DB) Registrations(ctx context.Context, plcID string) ([]model.PLCRegistration, error) {
	var rows []model.PLCRegistration
	if err := d.ORM.WithContext(ctx).
		Where("plc_id = ?", plcID).
		Order("registered_at, id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// History returns the readings of one sensor, newest first. A limit <= 0
// returns all rows.
func (d *DB) History(ctx context.Context, plcID, sensor string, limit int) ([]model.SensorReading, error) {
	q := d.ORM.WithContext(ctx).
		Where("plc_id = ? AND sensor = ?", plcID, sensor).
		Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.SensorReading
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// LatestReadings returns, for each sensor of a PLC, its most recent row.
func (d *DB) LatestReadings(ctx context.Context, plcID string) ([]model.SensorReading, error) {
	sub := d.ORM.Model(&model.SensorReading{}).
		Select("MAX(id)").
		Where("plc_id = ?", plcID).
		Group("sensor")
	var rows []model.SensorReading
	if err := d.ORM.WithContext(ctx).
		Where("id IN (?)", sub).
		Order("sensor").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
