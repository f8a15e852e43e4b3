package migration

import (
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/entitle/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Versioned migrations run against postgres. Other dialects (sqlite for
// local development, mysql) fall back to gorm's schema sync.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		if conn.Dialector.Name() != "postgres" {
			return conn.AutoMigrate(
				&subscriptiondomain.Subscription{},
				&paymentdomain.Payment{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
