package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sylvie/workspace-broker/internal/accounts"
	"github.com/sylvie/workspace-broker/internal/token"
)

// credentialRecord persists one account's OAuth credential.
type credentialRecord struct {
	AccountID    string `gorm:"primaryKey"`
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       string // JSON array of granted scope URIs
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (credentialRecord) TableName() string { return "credentials" }

// accountLinkRecord ties a provider account to a logical user.
type accountLinkRecord struct {
	UserID    string `gorm:"primaryKey"`
	AccountID string `gorm:"primaryKey"`
	Provider  string
	Label     string
	IsDefault bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (accountLinkRecord) TableName() string { return "account_links" }

// DB wraps the SQLite database holding credentials and account links.
type DB struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string) (*DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	if err := db.AutoMigrate(&credentialRecord{}, &accountLinkRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &DB{db: db}, nil
}

// Close releases the underlying database connection.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Credentials returns a token.Storage backed by this database.
func (d *DB) Credentials() token.Storage {
	return &credentialStore{db: d.db}
}

// Links returns an accounts.Storage backed by this database.
func (d *DB) Links() accounts.Storage {
	return &linkStore{db: d.db}
}

type credentialStore struct {
	db *gorm.DB
}

func (s *credentialStore) Get(ctx context.Context, accountID string) (token.Credential, error) {
	var rec credentialRecord
	err := s.db.WithContext(ctx).First(&rec, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return token.Credential{}, token.ErrNotFound
	}
	if err != nil {
		return token.Credential{}, fmt.Errorf("failed to load credential: %w", err)
	}

	var scopes []string
	if rec.Scopes != "" {
		if err := json.Unmarshal([]byte(rec.Scopes), &scopes); err != nil {
			return token.Credential{}, fmt.Errorf("corrupt scope list for account %s: %w", accountID, err)
		}
	}

	return token.Credential{
		AccountID:     rec.AccountID,
		AccessToken:   rec.AccessToken,
		RefreshToken:  rec.RefreshToken,
		Expiry:        rec.Expiry,
		GrantedScopes: scopes,
	}, nil
}

func (s *credentialStore) Put(ctx context.Context, cred token.Credential) error {
	if cred.AccountID == "" {
		return errors.New("account ID cannot be empty")
	}

	scopes, err := json.Marshal(cred.GrantedScopes)
	if err != nil {
		return fmt.Errorf("failed to encode scopes: %w", err)
	}

	rec := credentialRecord{
		AccountID:    cred.AccountID,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
		Scopes:       string(scopes),
	}

	// Upsert so token and expiry are replaced as a unit.
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *credentialStore) Delete(ctx context.Context, accountID string) error {
	return s.db.WithContext(ctx).
		Delete(&credentialRecord{}, "account_id = ?", accountID).Error
}

type linkStore struct {
	db *gorm.DB
}

func (s *linkStore) List(ctx context.Context, userID string) ([]accounts.Link, error) {
	var recs []accountLinkRecord
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list account links: %w", err)
	}

	links := make([]accounts.Link, 0, len(recs))
	for _, rec := range recs {
		links = append(links, accounts.Link{
			UserID: rec.UserID,
			Account: accounts.Account{
				ID:       rec.AccountID,
				Provider: rec.Provider,
				Label:    rec.Label,
			},
			Default: rec.IsDefault,
		})
	}
	return links, nil
}

func (s *linkStore) Put(ctx context.Context, link accounts.Link) error {
	rec := accountLinkRecord{
		UserID:    link.UserID,
		AccountID: link.Account.ID,
		Provider:  link.Account.Provider,
		Label:     link.Account.Label,
		IsDefault: link.Default,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to store account link: %w", err)
	}
	return nil
}

func (s *linkStore) Delete(ctx context.Context, userID, accountID string) error {
	return s.db.WithContext(ctx).
		Delete(&accountLinkRecord{}, "user_id = ? AND account_id = ?", userID, accountID).Error
}

func (s *linkStore) SetDefault(ctx context.Context, userID, accountID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&accountLinkRecord{}).
			Where("user_id = ? AND account_id = ?", userID, accountID).
			Update("is_default", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("account %s is not linked for user %s", accountID, userID)
		}
		return tx.Model(&accountLinkRecord{}).
			Where("user_id = ? AND account_id <> ?", userID, accountID).
			Update("is_default", false).Error
	})
}
