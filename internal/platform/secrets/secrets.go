package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"

	"github.com/visionlab/resultgraph/internal/pkg/logger"
	"github.com/visionlab/resultgraph/internal/platform/envutil"
)

// Provider resolves named secrets. Consulted at startup only (store
// credentials), never on the ingestion path.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
	Close() error
}

type service struct {
	log     *logger.Logger
	client  *secretmanager.Client
	project string
}

// NewFromEnv returns nil (no error) when GCP_PROJECT_ID is unset, letting
// callers fall back to plain env configuration.
func NewFromEnv(ctx context.Context, log *logger.Logger) (Provider, error) {
	project := envutil.Str("GCP_PROJECT_ID", "")
	if project == "" {
		return nil, nil
	}
	client, err := secretmanager.NewClient(ctx, ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("secrets: init client: %w", err)
	}
	return &service{
		log:     log.With("service", "Secrets"),
		client:  client,
		project: project,
	}, nil
}

func (s *service) Get(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("secrets: empty secret name")
	}
	resource := name
	if !strings.HasPrefix(name, "projects/") {
		resource = fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.project, name)
	}
	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: resource,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: access %s: %w", name, err)
	}
	s.log.Debug("Secret resolved", "secret_name", name)
	return string(resp.GetPayload().GetData()), nil
}

func (s *service) Close() error {
	return s.client.Close()
}
