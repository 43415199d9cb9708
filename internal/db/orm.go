package db

import (
	"context"

	_ "modernc.org/sqlite"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"plcrpc/internal/model"
)

// openORM opens a GORM SQLite connection on the pure Go driver.
func openORM(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: path}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
}

// migrateORM ensures the schema for all history tables exists.
func migrateORM(db *gorm.DB) error {
	return db.AutoMigrate(&model.PLCRegistration{}, &model.SensorReading{})
}

func closeORM(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func insertReadings(ctx context.Context, db *gorm.DB, rows []model.SensorReading) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(rows, 200).Error
}

func insertRegistration(ctx context.Context, db *gorm.DB, r *model.PLCRegistration) error {
	return db.WithContext(ctx).Create(r).Error
}
