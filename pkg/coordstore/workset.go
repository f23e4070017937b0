package coordstore

import (
	"context"
	"errors"
)

// WorkSet is a set-valued work queue used by the submission loop in place
// of a broker queue: members are submission keys, workers pick at random.
type WorkSet struct {
	store *Store
	name  string
}

// NewWorkSet binds a logical work set by name.
func (s *Store) NewWorkSet(name string) *WorkSet {
	return &WorkSet{store: s, name: name}
}

// Name returns the underlying set key.
func (w *WorkSet) Name() string {
	return w.name
}

// Add enqueues a member. Adding an existing member is a no-op.
func (w *WorkSet) Add(ctx context.Context, member string) error {
	_, err := w.store.SAdd(ctx, w.name, member)
	return err
}

// Pick returns one random member without removing it, or ("", false, nil)
// when the set is empty.
func (w *WorkSet) Pick(ctx context.Context) (string, bool, error) {
	member, err := w.store.SRandMember(ctx, w.name)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return member, true, nil
}

// Remove deletes a member.
func (w *WorkSet) Remove(ctx context.Context, member string) error {
	return w.store.SRem(ctx, w.name, member)
}

// Move transfers a member to another work set. Not atomic; both sides are
// idempotent so a crash in between only causes a duplicate pick.
func (w *WorkSet) Move(ctx context.Context, member string, to *WorkSet) error {
	if err := to.Add(ctx, member); err != nil {
		return err
	}
	return w.Remove(ctx, member)
}

// Members lists the whole set.
func (w *WorkSet) Members(ctx context.Context) ([]string, error) {
	return w.store.SMembers(ctx, w.name)
}
