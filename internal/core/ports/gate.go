package ports

import (
	"context"

	"github.com/usagegate/usagegate/internal/core/domain"
)

// Gate is the admission surface consumed by the transport layer.
type Gate interface {
	// Admit runs the rate check and, when it passes, reserves one quota
	// unit. A denied rate check returns the decision with Allowed=false and
	// no error; a reached quota returns *domain.LimitError.
	Admit(ctx context.Context, subject domain.Subject, action string) (domain.Admission, error)

	// Generate admits the subject for the generate action and then invokes
	// the upstream generator. The reserved unit is not refunded if the
	// generator fails.
	Generate(ctx context.Context, subject domain.Subject, prompt string) (domain.GenerateResult, error)

	// Redeem rate-limits the redeem action and then consumes the code.
	Redeem(ctx context.Context, subject domain.Subject, code string) (*domain.FeatureGrant, error)

	// Usage reports current-period consumption without consuming a unit.
	Usage(ctx context.Context, subject domain.Subject) (domain.Usage, error)

	// Features lists the subject's active grants.
	Features(ctx context.Context, subject domain.Subject) ([]domain.FeatureGrant, error)
}

// Generator is the opaque content producer gated by this core. Generation
// itself is somebody else's problem; the gate only decides whether the call
// may happen and charges for it.
type Generator interface {
	Generate(ctx context.Context, subjectID, prompt string) (string, error)
}
