package database

import (
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open opens a GORM connection to PostgreSQL using dsn (as produced by
// Config.DSN). Logging is kept at the default gorm.io/gorm level; the
// hub's own zap logger covers application-level events.
func Open(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
}
