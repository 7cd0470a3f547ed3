package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AccessFunc fetches the payload of a fully qualified secret version.
type AccessFunc func(ctx context.Context, name string) ([]byte, error)

// GSM resolves "gsm:" references against Google Secret Manager. A reference
// is either a resource name ("projects/p/secrets/s[/versions/v]") or a short
// secret name looked up in ProjectID at its latest version.
type GSM struct {
	ProjectID string

	mu     sync.Mutex
	access AccessFunc
	client *secretmanager.Client
	// dial connects on first use; a failed dial is retried by the next Resolve.
	dial func(ctx context.Context) (AccessFunc, error)
}

// NewGSM returns a resolver that dials Secret Manager on first use.
func NewGSM(projectID string) *GSM {
	g := &GSM{ProjectID: projectID}
	g.dial = g.dialSecretManager
	return g
}

// NewGSMWithAccess returns a resolver backed by access, for tests and
// alternative transports.
func NewGSMWithAccess(projectID string, access AccessFunc) *GSM {
	return &GSM{ProjectID: projectID, access: access}
}

func (g *GSM) Resolve(ctx context.Context, ref string) (string, error) {
	name, err := g.versionName(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	access, err := g.accessor(ctx)
	if err != nil {
		return "", err
	}
	data, err := access(ctx, name)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("access %s: %w", name, err)
	}
	return string(data), nil
}

func (g *GSM) accessor(ctx context.Context) (AccessFunc, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.access != nil {
		return g.access, nil
	}
	if g.dial == nil {
		return nil, errors.New("secret manager: no client configured")
	}
	access, err := g.dial(ctx)
	if err != nil {
		return nil, err
	}
	g.access = access
	return access, nil
}

// Close releases the Secret Manager client, if one was dialed. A later
// Resolve dials again.
func (g *GSM) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	g.access = nil
	return err
}

// dialSecretManager runs with mu held.
func (g *GSM) dialSecretManager(ctx context.Context) (AccessFunc, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secret manager client: %w", err)
	}
	g.client = client
	return func(ctx context.Context, name string) ([]byte, error) {
		resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		if err != nil {
			return nil, err
		}
		return resp.GetPayload().GetData(), nil
	}, nil
}

func (g *GSM) versionName(ref string) (string, error) {
	if strings.HasPrefix(ref, "projects/") {
		if strings.Contains(ref, "/versions/") {
			return ref, nil
		}
		return ref + "/versions/latest", nil
	}
	if strings.Contains(ref, "/") {
		return "", fmt.Errorf("invalid secret reference %q", ref)
	}
	if g.ProjectID == "" {
		return "", fmt.Errorf("secret %q: google_secret_manager.project_id is not set", ref)
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.ProjectID, ref), nil
}
