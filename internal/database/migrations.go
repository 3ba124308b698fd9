package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillEntityType = "2026-09-01_backfill_notification_entity_type"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillEntityType, apply: backfillEntityType},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillEntityType fills entity_type on rows written before events carried it,
// deriving it from the notification type. User events keep a null entity type.
func backfillEntityType(db *gorm.DB) error {
	for _, notificationType := range notifications.Types() {
		entityType := notificationType.EntityType()
		if entityType == "" {
			continue
		}
		if err := db.Model(&notifications.Notification{}).
			Where("type = ? AND entity_type IS NULL", string(notificationType)).
			Update("entity_type", entityType).Error; err != nil {
			return err
		}
	}
	return nil
}
