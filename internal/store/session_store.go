package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Session is one peer's sealed ratchet state. The blob is opaque to the store.
type Session struct {
	PeerID         string    `gorm:"type:text;primaryKey"`
	Sealed         []byte    `gorm:"type:bytea;not null"`
	RemoteIdentity []byte    `gorm:"type:bytea;not null"`
	ExpiresAt      time.Time `gorm:"not null;index"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime"`
}

type SessionStore struct{ db *gorm.DB }

func (s *Store) Sessions() *SessionStore { return &SessionStore{db: s.DB} }

func (ss *SessionStore) Create(ctx context.Context, sess *Session) error {
	if err := ss.db.WithContext(ctx).Create(sess).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrSessionExists
		}
		return err
	}
	return nil
}

func (ss *SessionStore) Get(ctx context.Context, peerID string) (*Session, error) {
	var sess Session
	if err := ss.db.WithContext(ctx).First(&sess, "peer_id = ?", peerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// UpdateSealed replaces the sealed state of an existing session.
func (ss *SessionStore) UpdateSealed(ctx context.Context, peerID string, sealed []byte) error {
	res := ss.db.WithContext(ctx).
		Model(&Session{}).
		Where("peer_id = ?", peerID).
		Updates(map[string]any{"sealed": sealed, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (ss *SessionStore) Delete(ctx context.Context, peerID string) error {
	res := ss.db.WithContext(ctx).Delete(&Session{}, "peer_id = ?", peerID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (ss *SessionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := ss.db.WithContext(ctx).Model(&Session{}).Count(&n).Error
	return n, err
}

// Expired returns the peer ids of sessions whose lifetime ended before at.
func (ss *SessionStore) Expired(ctx context.Context, at time.Time) ([]string, error) {
	var ids []string
	err := ss.db.WithContext(ctx).
		Model(&Session{}).
		Where("expires_at < ?", at).
		Order("expires_at asc").
		Pluck("peer_id", &ids).Error
	return ids, err
}
