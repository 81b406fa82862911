package credentials

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -source=$GOFILE -destination=mock_$GOFILE -package=$GOPACKAGE

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/alexjbarnes/toolkit-auth/internal/models"
)

// Listener receives identifier changes.
type Listener func(models.CredentialsChangeEvent)

// Factory discovers one kind of classic credential source and builds
// providers for the identifiers it reports.
type Factory interface {
	ID() string
	// SetUp reports the initial identifiers through listener and may keep
	// reporting changes until ctx is cancelled.
	SetUp(ctx context.Context, listener Listener) error
	CreateProvider(ctx context.Context, id models.CredentialIdentifier, region string) (aws.CredentialsProvider, error)
}
