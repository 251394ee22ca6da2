package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/blast-dispatch/internal/domain"
	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

// AttemptStore keeps the send attempt log in memory. Paging state is the
// offset of the next row.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts map[uuid.UUID][]domain.SendAttempt
}

// NewAttemptStore constructs an empty store.
func NewAttemptStore() *AttemptStore {
	return &AttemptStore{attempts: make(map[uuid.UUID][]domain.SendAttempt)}
}

func (s *AttemptStore) AppendAttempt(_ context.Context, attempt domain.SendAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.CampaignID] = append(s.attempts[attempt.CampaignID], attempt)
	return nil
}

func (s *AttemptStore) ListAttemptsByCampaign(_ context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.SendAttempt, []byte, error) {
	if limit <= 0 {
		limit = 100
	}
	if len(pagingState) != 0 && len(pagingState) != 8 {
		return nil, nil, fmt.Errorf("%w: malformed paging state", apperrors.ErrValidation)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.attempts[campaignID]

	offset := 0
	if len(pagingState) == 8 {
		raw := binary.BigEndian.Uint64(pagingState)
		if raw > uint64(len(all)) {
			return nil, nil, fmt.Errorf("%w: paging state out of range", apperrors.ErrValidation)
		}
		offset = int(raw)
	}
	if offset == len(all) {
		return nil, nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := append([]domain.SendAttempt(nil), all[offset:end]...)

	var next []byte
	if end < len(all) {
		next = make([]byte, 8)
		binary.BigEndian.PutUint64(next, uint64(end))
	}
	return page, next, nil
}
