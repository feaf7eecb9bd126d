// Package skill implements skills: named, reusable instruction blocks
// injected into an agent's system prompt, with {{var}} placeholder
// substitution. Skills live in the skills table and can be overridden by
// skills/<id>/SKILL.md files under the config directory; file overrides
// are parsed once and cached, with fsnotify invalidating the cache on
// change.
package skill

import (
	"context"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/storage"
)

// Skill is one skills row: an instruction block plus the metadata shown
// when listing skills.
type Skill struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// frontMatter is the YAML block at the top of a SKILL.md file, delimited
// by "---" lines.
type frontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Parse splits a SKILL.md document into front matter and body. A
// document without front matter is all body.
func Parse(id, doc string) (*Skill, error) {
	s := &Skill{ID: id, Name: id, Body: doc}
	if !strings.HasPrefix(doc, "---\n") {
		return s, nil
	}
	rest := doc[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return s, nil
	}
	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, rferrors.Wrap(rferrors.Protocol, "parse skill front matter for "+id, err)
	}
	if fm.Name != "" {
		s.Name = fm.Name
	}
	s.Description = fm.Description
	body := rest[end+len("\n---"):]
	s.Body = strings.TrimPrefix(body, "\n")
	return s, nil
}

// Render substitutes {{var}} placeholders in body from vars in a single
// pass: the template is scanned once, and a replacement value containing
// {{other}} is emitted literally rather than re-substituted. Unknown
// placeholders are left intact.
func Render(body string, vars map[string]string) string {
	var out strings.Builder
	out.Grow(len(body))
	for {
		start := strings.Index(body, "{{")
		if start < 0 {
			out.WriteString(body)
			return out.String()
		}
		end := strings.Index(body[start:], "}}")
		if end < 0 {
			out.WriteString(body)
			return out.String()
		}
		end += start
		name := strings.TrimSpace(body[start+2 : end])
		out.WriteString(body[:start])
		if value, ok := vars[name]; ok {
			out.WriteString(value)
		} else {
			out.WriteString(body[start : end+2])
		}
		body = body[end+2:]
	}
}

// Store is the typed wrapper over the skills table.
type Store struct {
	table *storage.Table[Skill]
}

// OpenStore opens the skills table.
func OpenStore(ctx context.Context, engine *storage.Engine) (*Store, error) {
	table, err := storage.NewTable[Skill](ctx, engine, "skills")
	if err != nil {
		return nil, err
	}
	return &Store{table: table}, nil
}

// Put persists a skill.
func (s *Store) Put(ctx context.Context, sk *Skill) error {
	now := time.Now()
	if sk.CreatedAt.IsZero() {
		sk.CreatedAt = now
	}
	sk.UpdatedAt = now
	return s.table.Put(ctx, sk.ID, *sk, nil)
}

// Get returns the skill by id.
func (s *Store) Get(ctx context.Context, id string) (*Skill, error) {
	sk, found, err := s.table.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, rferrors.New(rferrors.NotFound, "skill not found: "+id)
	}
	return &sk, nil
}

// List returns every stored skill, ordered by id.
func (s *Store) List(ctx context.Context) ([]Skill, error) {
	return s.table.List(ctx, "")
}

// Delete removes a skill.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.table.Delete(ctx, id)
}
