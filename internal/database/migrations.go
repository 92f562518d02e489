package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/identity-reconciliation/internal/contacts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationFlattenMultiHopLinks = "2026-10-01_flatten_multi_hop_links"

	maxFlattenPasses = 32
)

var errFlattenDidNotConverge = errors.New("secondary links did not converge; a link cycle is likely")

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
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations := []migrationDefinition{
		{name: migrationFlattenMultiHopLinks, apply: flattenMultiHopLinks},
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
		applyErr := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if applyErr != nil {
			return fmt.Errorf("migration %s: %w", migration.name, applyErr)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// flattenMultiHopLinks re-points every live secondary whose link target is
// itself a live secondary at that target's own link, one hop per pass.
func flattenMultiHopLinks(db *gorm.DB) error {
	const statement = `UPDATE contact
SET linked_id = (SELECT parent.linked_id FROM contact AS parent WHERE parent.id = contact.linked_id),
    updated_at = ?
WHERE contact.link_precedence = ?
  AND contact.deleted_at IS NULL
  AND contact.linked_id IN (
    SELECT hop.id FROM contact AS hop
    WHERE hop.link_precedence = ?
      AND hop.deleted_at IS NULL
      AND hop.linked_id IS NOT NULL
      AND hop.linked_id <> contact.id
  )`

	secondary := string(contacts.LinkPrecedenceSecondary)
	for pass := 0; pass < maxFlattenPasses; pass++ {
		result := db.Exec(statement, time.Now().UTC(), secondary, secondary)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
	}
	return errFlattenDidNotConverge
}
