package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*Subscription, error)
	FindByTenantIDForUpdate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*Subscription, error)
	ListByStatus(ctx context.Context, db *gorm.DB, status SubscriptionStatus, limit int, afterID snowflake.ID) ([]Subscription, error)
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	UpdateUsage(ctx context.Context, db *gorm.DB, subscription *Subscription) error
}
