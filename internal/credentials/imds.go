package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"

	"github.com/alexjbarnes/toolkit-auth/internal/models"
)

const (
	IMDSFactoryID     = "imds"
	IMDSIdentifierID  = "imds:instance"
	defaultIMDSProbe  = 2 * time.Second
	defaultIMDSTarget = "http://169.254.169.254"
)

// IMDSOptions configure instance metadata discovery.
type IMDSOptions struct {
	Disabled     bool
	Endpoint     string
	ProbeTimeout time.Duration
	HTTPClient   *http.Client
}

// IMDSFactory reports the instance role when the metadata service
// answers.
type IMDSFactory struct {
	opts   IMDSOptions
	logger *slog.Logger
}

// NewIMDSFactory creates an IMDSFactory.
func NewIMDSFactory(opts IMDSOptions, logger *slog.Logger) *IMDSFactory {
	if opts.Endpoint == "" {
		opts.Endpoint = defaultIMDSTarget
	}

	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultIMDSProbe
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	return &IMDSFactory{opts: opts, logger: logger}
}

func (f *IMDSFactory) ID() string { return IMDSFactoryID }

func (f *IMDSFactory) SetUp(ctx context.Context, listener Listener) error {
	if f.opts.Disabled {
		f.logger.Debug("instance metadata discovery disabled")
		return nil
	}

	if !f.probe(ctx) {
		return nil
	}

	listener(models.CredentialsChangeEvent{Added: []models.CredentialIdentifier{{
		ID:          IMDSIdentifierID,
		DisplayName: "EC2 instance role",
		FactoryID:   IMDSFactoryID,
		Type:        models.CredentialTypeInstanceMetadata,
	}}})

	return nil
}

// probe sends a HEAD to the metadata endpoint. Any HTTP response counts
// as available: IMDSv2 answers unauthenticated requests with 401.
func (f *IMDSFactory) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, f.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.opts.Endpoint, nil)
	if err != nil {
		f.logger.Warn("building metadata probe", slog.String("error", err.Error()))
		return false
	}

	resp, err := f.opts.HTTPClient.Do(req)
	if err != nil {
		f.logger.Debug("instance metadata unavailable", slog.String("error", err.Error()))
		return false
	}

	_ = resp.Body.Close()

	return true
}

func (f *IMDSFactory) CreateProvider(_ context.Context, id models.CredentialIdentifier, _ string) (aws.CredentialsProvider, error) {
	if id.ID != IMDSIdentifierID {
		return nil, fmt.Errorf("unknown metadata identifier %q", id.ID)
	}

	client := imds.New(imds.Options{Endpoint: f.opts.Endpoint, HTTPClient: f.opts.HTTPClient})

	return ec2rolecreds.New(func(o *ec2rolecreds.Options) {
		o.Client = client
	}), nil
}
