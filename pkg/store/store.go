// Package store is the typed access layer over the relational model:
// tasks, bugs, profiles, clusters, patches and submission bookkeeping.
package store

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/b3yond/bugbuster/pkg/retry"
)

// Store wraps the database handle. Safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// Open connects to the relational store and migrates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	var db *gorm.DB
	err := retry.Do(ctx, func() error {
		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open relational store: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Transaction runs fn inside a database transaction. Any error rolls the
// whole write back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// DB exposes the raw handle for query helpers in this package.
func (s *Store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}
