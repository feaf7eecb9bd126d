// Package authprofile implements the auth_profiles table: named
// credential profiles a tool invocation can select by name instead of
// embedding a raw token in its arguments: "connect to GitHub as
// work-account" rather than "paste this PAT into every call." A profile
// never stores the credential itself; it stores a kind and a reference
// into pkg/secret, which already owns encryption-at-rest.
//
// There is no JWT/JWKS external-identity-provider validator here: that
// concern belongs to a multi-tenant HTTP front-end, an external
// collaborator. A single-user local install has no
// inbound requests to authenticate; what it has is outbound credentials
// tools need to present, which is what AuthProfile models.
package authprofile

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/storage"
)

// Kind discriminates the shape of credential a profile carries.
type Kind string

const (
	KindAPIKey      Kind = "api_key"
	KindBearerToken Kind = "bearer_token"
	KindBasicAuth   Kind = "basic_auth"
	KindOAuthToken  Kind = "oauth_token"
)

// Profile is one auth_profiles row. SecretKey names the pkg/secret row
// holding the actual credential value (for basic auth, a single secret
// holds "username:password"); Profile itself carries no plaintext.
type Profile struct {
	ID        string            `json:"profile_id"`
	Name      string            `json:"name"`
	Kind      Kind              `json:"kind"`
	SecretKey string            `json:"secret_key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store is the typed wrapper over the auth_profiles table.
type Store struct {
	table *storage.Table[Profile]
}

// Open opens the auth_profiles table, indexed by name so tools can
// resolve "work-account" to a profile without a full scan.
func Open(ctx context.Context, engine *storage.Engine) (*Store, error) {
	table, err := storage.NewTable[Profile](ctx, engine, "auth_profiles", "name")
	if err != nil {
		return nil, err
	}
	return &Store{table: table}, nil
}

// Create registers a new profile. secretKey must already exist (or be
// about to be written) in the secrets table; Store does not own the
// secret lifecycle.
func (s *Store) Create(ctx context.Context, name string, kind Kind, secretKey string, metadata map[string]string) (*Profile, error) {
	now := time.Now()
	p := Profile{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      kind,
		SecretKey: secretKey,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.put(ctx, p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Get retrieves a profile by id.
func (s *Store) Get(ctx context.Context, id string) (*Profile, error) {
	p, found, err := s.table.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rferrors.New(rferrors.NotFound, "auth profile not found: "+id)
	}
	return &p, nil
}

// GetByName resolves a profile by its human-chosen name.
func (s *Store) GetByName(ctx context.Context, name string) (*Profile, error) {
	profiles, err := s.table.ListByIndex(ctx, "name", name)
	if err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, rferrors.New(rferrors.NotFound, "auth profile not found: "+name)
	}
	return &profiles[0], nil
}

// List returns every stored profile.
func (s *Store) List(ctx context.Context) ([]Profile, error) {
	return s.table.List(ctx, "")
}

// Delete removes a profile. It does not delete the referenced secret;
// callers that want the credential gone too must delete it from
// pkg/secret separately.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.table.Delete(ctx, id)
}

func (s *Store) put(ctx context.Context, p Profile) error {
	return s.table.Put(ctx, p.ID, p, storage.IndexValues{"name": p.Name})
}
