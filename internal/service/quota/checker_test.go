package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

type fixedCounter struct {
	n   int
	err error
}

func (f fixedCounter) CountActive(context.Context, string) (int, error) {
	return f.n, f.err
}

func TestCheckCampaignQuota(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, NewChecker(fixedCounter{n: 100}, 0).CheckCampaignQuota(ctx, "org-1"))
	assert.Equal(t, 3, NewChecker(fixedCounter{}, 3).MaxActive())
	require.NoError(t, NewChecker(fixedCounter{n: 2}, 3).CheckCampaignQuota(ctx, "org-1"))

	err := NewChecker(fixedCounter{n: 3}, 3).CheckCampaignQuota(ctx, "org-1")
	assert.ErrorIs(t, err, apperrors.ErrQuotaExceeded)

	boom := errors.New("connection refused")
	err = NewChecker(fixedCounter{err: boom}, 3).CheckCampaignQuota(ctx, "org-1")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, apperrors.ErrQuotaExceeded)
}
