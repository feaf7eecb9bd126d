// Package agent implements the agents table: the persistent
// Agent Definition a task references. A definition is immutable per
// execution: the engine snapshots it at task start, so edits to a
// definition never affect a run already in flight.
package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/storage"
)

// ModelSpec names the provider and model an agent completes against.
type ModelSpec struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// APIKeyRef resolves an agent's provider credential: either a direct
// value or the name of a row in the secrets table. Direct wins when both
// are set.
type APIKeyRef struct {
	Value      string `json:"value,omitempty"`
	SecretName string `json:"secret_name,omitempty"`
}

// Definition is one agents row.
type Definition struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Model        ModelSpec         `json:"model"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Temperature  float64           `json:"temperature,omitempty"`
	Tools        []string          `json:"tools,omitempty"`
	Skills       []string          `json:"skills,omitempty"`
	SkillVars    map[string]string `json:"skill_vars,omitempty"`
	APIKey       APIKeyRef         `json:"api_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the typed wrapper over the agents table.
type Store struct {
	table *storage.Table[Definition]
}

// Open opens the agents table.
func Open(ctx context.Context, engine *storage.Engine) (*Store, error) {
	table, err := storage.NewTable[Definition](ctx, engine, "agents")
	if err != nil {
		return nil, err
	}
	return &Store{table: table}, nil
}

// Create persists a new definition. If def.ID is empty one is generated.
func (s *Store) Create(ctx context.Context, def *Definition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now
	return s.table.Put(ctx, def.ID, *def, nil)
}

// Get returns the definition by id.
func (s *Store) Get(ctx context.Context, id string) (*Definition, error) {
	def, found, err := s.table.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rferrors.New(rferrors.NotFound, "agent not found: "+id)
	}
	return &def, nil
}

// Update persists changes to an existing definition. Running executions
// keep the snapshot they took at start.
func (s *Store) Update(ctx context.Context, def *Definition) error {
	if _, err := s.Get(ctx, def.ID); err != nil {
		return err
	}
	def.UpdatedAt = time.Now()
	return s.table.Put(ctx, def.ID, *def, nil)
}

// Delete removes a definition. Tasks referencing it fail at dispatch
// with a NotFound error rather than being deleted alongside.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.table.Delete(ctx, id)
}

// List returns every stored definition, ordered by id.
func (s *Store) List(ctx context.Context) ([]Definition, error) {
	return s.table.List(ctx, "")
}
