package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Init opens the database and pins the connection to the given schema,
// creating it if needed. TranslateError is enabled so unique-constraint
// violations surface as gorm.ErrDuplicatedKey regardless of driver.
func Init(databaseURL, schema string) (*gorm.DB, error) {
	dsn := databaseURL
	if !strings.Contains(dsn, "search_path") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn = dsn + sep + "search_path=" + schema
	}

	gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := gormDB.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)).Error; err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := gormDB.Exec(fmt.Sprintf("SET search_path TO %s", schema)).Error; err != nil {
		return nil, fmt.Errorf("set search_path: %w", err)
	}
	return gormDB, nil
}
