package credentials

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/alexjbarnes/toolkit-auth/internal/models"
)

const (
	StaticFactoryID = "static"
	EnvIdentifierID = "static:env"
)

// EnvFactory reports the access keys in the process environment as a
// single identifier.
type EnvFactory struct {
	lookup func(string) (string, bool)
}

// NewEnvFactory reads AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and the
// optional AWS_SESSION_TOKEN from the environment.
func NewEnvFactory() *EnvFactory {
	return &EnvFactory{lookup: os.LookupEnv}
}

func (f *EnvFactory) ID() string { return StaticFactoryID }

type envKeys struct {
	accessKeyID, secretAccessKey, sessionToken, region string
}

func (f *EnvFactory) keys() (envKeys, bool) {
	var k envKeys

	k.accessKeyID, _ = f.lookup("AWS_ACCESS_KEY_ID")
	k.secretAccessKey, _ = f.lookup("AWS_SECRET_ACCESS_KEY")
	k.sessionToken, _ = f.lookup("AWS_SESSION_TOKEN")

	k.region, _ = f.lookup("AWS_REGION")
	if k.region == "" {
		k.region, _ = f.lookup("AWS_DEFAULT_REGION")
	}

	return k, k.accessKeyID != "" && k.secretAccessKey != ""
}

func (f *EnvFactory) SetUp(_ context.Context, listener Listener) error {
	k, ok := f.keys()
	if !ok {
		return nil
	}

	typ := models.CredentialTypeStatic
	if k.sessionToken != "" {
		typ = models.CredentialTypeStaticSession
	}

	listener(models.CredentialsChangeEvent{Added: []models.CredentialIdentifier{{
		ID:            EnvIdentifierID,
		DisplayName:   "Environment variables",
		FactoryID:     StaticFactoryID,
		Type:          typ,
		DefaultRegion: k.region,
	}}})

	return nil
}

func (f *EnvFactory) CreateProvider(_ context.Context, id models.CredentialIdentifier, _ string) (aws.CredentialsProvider, error) {
	if id.ID != EnvIdentifierID {
		return nil, fmt.Errorf("unknown static identifier %q", id.ID)
	}

	k, ok := f.keys()
	if !ok {
		return nil, fmt.Errorf("access keys are no longer set in the environment")
	}

	return awscreds.NewStaticCredentialsProvider(k.accessKeyID, k.secretAccessKey, k.sessionToken), nil
}
