package campaign

import (
	"fmt"

	"github.com/acme/blast-dispatch/internal/domain"
	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

// RiskBlockedError is returned by Start when the pre-flight assessment
// refuses the campaign.
type RiskBlockedError struct {
	Assessment domain.RiskAssessment
}

func (e *RiskBlockedError) Error() string {
	return fmt.Sprintf("campaign blocked by risk assessment: level %s, score %d", e.Assessment.Level, e.Assessment.Score)
}

func (e *RiskBlockedError) Unwrap() error {
	return apperrors.ErrRiskBlocked
}
