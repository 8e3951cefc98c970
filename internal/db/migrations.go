package db

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/devpool/devpool/internal/models"
)

// Migrations returns the ordered schema migrations.
func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "20250810_create_users_table",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.User{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("users")
			},
		},
		{
			ID: "20250810_create_workspaces_table",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.Workspace{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("workspaces")
			},
		},
	}
}

// Migrate applies all pending migrations.
func Migrate(gormDB *gorm.DB) error {
	m := gormigrate.New(gormDB, gormigrate.DefaultOptions, Migrations())
	return m.Migrate()
}
