package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// CreateDirectedSlice records the function list computed for a task diff.
func (s *Store) CreateDirectedSlice(ctx context.Context, slice *DirectedSlice) error {
	if err := s.DB(ctx).Create(slice).Error; err != nil {
		return fmt.Errorf("failed to record directed slice %s: %w", slice.SliceID, err)
	}
	return nil
}

// DirectedSliceBySliceID fetches a slice result by its request id. The
// directed worker polls this until the slice worker lands the row.
func (s *Store) DirectedSliceBySliceID(ctx context.Context, sliceID string) (*DirectedSlice, error) {
	var slice DirectedSlice
	err := s.DB(ctx).Where("slice_id = ?", sliceID).First(&slice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch directed slice %s: %w", sliceID, err)
	}
	return &slice, nil
}

// CreateSarifSlice records the function list computed for a SARIF target.
func (s *Store) CreateSarifSlice(ctx context.Context, slice *SarifSlice) error {
	if err := s.DB(ctx).Create(slice).Error; err != nil {
		return fmt.Errorf("failed to record sarif slice for %s: %w", slice.SarifID, err)
	}
	return nil
}
