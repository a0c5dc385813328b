package clients

import "context"

// Registry resolves OAuth clients. Client ids are unique across tenants; the
// returned client names its tenant.
type Registry interface {
	Get(ctx context.Context, clientID string) (*Client, error)
}
