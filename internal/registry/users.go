package registry

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/devpool/devpool/internal/models"
)

// Users stores identity-provider accounts.
type Users struct {
	db *gorm.DB
}

func NewUsers(gormDB *gorm.DB) *Users {
	return &Users{db: gormDB}
}

// Upsert creates the user or refreshes their profile and access token. Runs
// on every successful login.
func (r *Users) Upsert(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username", "email", "avatar_url", "access_token", "updated_at",
		}),
	}).Create(user).Error
}

// FindByID returns the user, or ErrNotFound.
func (r *Users) FindByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}
