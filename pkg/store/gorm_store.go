package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"exampilot/pkg/domain"
)

const migrateLockID int64 = 51873301

// GormStore implements Store using GORM on Postgres or SQLite.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore opens the DB and runs auto-migrations. DSNs prefixed with
// "sqlite:" or "file:" open SQLite; anything else is handed to Postgres.
func NewGormStore(dsn string) (*GormStore, error) {
	dialector, isPostgres := openDialector(dsn)
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&CaseModel{},
			&PromptModel{},
			&QuestionSetModel{},
			&QuestionModel{},
			&CaseDiscussionModel{},
			&AnswerDiscussionModel{},
			&MessageModel{},
			&UserAnswerModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if isPostgres {
			return ensureForeignKeys(tx)
		}
		return nil
	}
	if !isPostgres {
		// SQLite allows one writer; a single connection also keeps
		// in-memory databases alive for the store's lifetime.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		if err := migrate(db); err != nil {
			return nil, err
		}
		return &GormStore{db: db}, nil
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func openDialector(dsn string) (gorm.Dialector, bool) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "sqlite:"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite:")), false
	case strings.HasPrefix(dsn, "file:"):
		return sqlite.Open(dsn), false
	default:
		return postgres.Open(dsn), true
	}
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

type foreignKey struct {
	table, column, refTable string
}

var ownershipKeys = []foreignKey{
	{"question_set_models", "case_id", "case_models"},
	{"question_models", "question_set_id", "question_set_models"},
	{"case_discussion_models", "case_id", "case_models"},
	{"answer_discussion_models", "case_discussion_id", "case_discussion_models"},
	{"message_models", "answer_discussion_id", "answer_discussion_models"},
	{"user_answer_models", "answer_discussion_id", "answer_discussion_models"},
}

// ensureForeignKeys adds ON DELETE CASCADE ownership constraints on Postgres.
func ensureForeignKeys(tx *gorm.DB) error {
	for _, fk := range ownershipKeys {
		name := fk.table + "_" + fk.column + "_fkey"
		stmt := fmt.Sprintf(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = '%[1]s'
					AND constraint_name = '%[4]s'
				) THEN
					DELETE FROM %[1]s c
					WHERE NOT EXISTS (SELECT 1 FROM %[3]s p WHERE p.id = c.%[2]s);
					ALTER TABLE %[1]s
					ADD CONSTRAINT %[4]s
					FOREIGN KEY (%[2]s) REFERENCES %[3]s(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`, fk.table, fk.column, fk.refTable, name)
		if err := tx.Exec(stmt).Error; err != nil {
			return fmt.Errorf("ensure foreign key %s: %w", name, err)
		}
	}
	return nil
}

// CreateCase inserts a new case row.
func (s *GormStore) CreateCase(c domain.Case) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	model := caseToModel(c)
	if err := s.db.Create(&model).Error; err != nil {
		return fmt.Errorf("create case: %w", storageErr(err))
	}
	return nil
}

// GetCase retrieves a case.
func (s *GormStore) GetCase(id string) (domain.Case, bool, error) {
	var model CaseModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Case{}, false, nil
		}
		return domain.Case{}, false, storageErr(err)
	}
	return caseFromModel(model), true, nil
}

// ListCasesByOwner returns an owner's cases, oldest first.
func (s *GormStore) ListCasesByOwner(ownerID string) ([]domain.Case, error) {
	var models []CaseModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, storageErr(err)
	}
	res := make([]domain.Case, 0, len(models))
	for _, m := range models {
		res = append(res, caseFromModel(m))
	}
	return res, nil
}

// SetCaseStatus performs a compare-and-set status transition.
func (s *GormStore) SetCaseStatus(id string, from, to domain.CaseStatus) error {
	res := s.db.Model(&CaseModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{
			"status":     string(to),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return storageErr(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var count int64
	if err := s.db.Model(&CaseModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return storageErr(err)
	}
	if count == 0 {
		return fmt.Errorf("case %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("case %s not %s: %w", id, from, ErrStatusConflict)
}

// DeleteCase removes a case together with its question sets, questions and
// discussions.
func (s *GormStore) DeleteCase(id string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var setIDs []string
		if err := tx.Model(&QuestionSetModel{}).Where("case_id = ?", id).Pluck("id", &setIDs).Error; err != nil {
			return err
		}
		var discussionIDs []string
		if err := tx.Model(&CaseDiscussionModel{}).Where("case_id = ?", id).Pluck("id", &discussionIDs).Error; err != nil {
			return err
		}
		var answerDiscussionIDs []string
		if len(discussionIDs) > 0 {
			if err := tx.Model(&AnswerDiscussionModel{}).Where("case_discussion_id IN ?", discussionIDs).Pluck("id", &answerDiscussionIDs).Error; err != nil {
				return err
			}
		}
		if len(answerDiscussionIDs) > 0 {
			if err := tx.Delete(&MessageModel{}, "answer_discussion_id IN ?", answerDiscussionIDs).Error; err != nil {
				return err
			}
			if err := tx.Delete(&UserAnswerModel{}, "answer_discussion_id IN ?", answerDiscussionIDs).Error; err != nil {
				return err
			}
			if err := tx.Delete(&AnswerDiscussionModel{}, "id IN ?", answerDiscussionIDs).Error; err != nil {
				return err
			}
		}
		if len(discussionIDs) > 0 {
			if err := tx.Delete(&CaseDiscussionModel{}, "id IN ?", discussionIDs).Error; err != nil {
				return err
			}
		}
		if len(setIDs) > 0 {
			if err := tx.Delete(&QuestionModel{}, "question_set_id IN ?", setIDs).Error; err != nil {
				return err
			}
			if err := tx.Delete(&QuestionSetModel{}, "id IN ?", setIDs).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&CaseModel{}, "id = ?", id).Error
	})
	return storageErr(err)
}

func newID() string {
	return uuid.NewString()
}
