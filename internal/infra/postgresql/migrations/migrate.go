package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/karacabey/imagemill/internal/repository"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_batches",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.BatchModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_batches_status_updated ON batches (status, updated_at)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.BatchModel{})
			},
		},
		{
			ID: "000002_create_items",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.ItemModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_items_batch_sequence ON items (batch_id, sequence_number)`,
					`CREATE INDEX IF NOT EXISTS idx_items_batch_unsettled ON items (batch_id) WHERE settled_at IS NULL`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.ItemModel{})
			},
		},
	})

	return m.Migrate()
}
