// Package roster holds the fixed reference data: team members, task
// categories, task types and priority levels.
package roster

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed roster.yaml
var defaultYAML []byte

var (
	ErrUnknownMember   = errors.New("unknown member")
	ErrUnknownCategory = errors.New("unknown category")
	ErrUnknownTaskType = errors.New("unknown task type")
)

const (
	RoleManager = "manager"
	RoleMember  = "member"
)

type Member struct {
	ID       string `yaml:"id" json:"id"`
	NameJa   string `yaml:"name_ja" json:"nameJa"`
	NameEn   string `yaml:"name_en" json:"nameEn"`
	Role     string `yaml:"role" json:"role"`
	Color    string `yaml:"color" json:"color"`
	SFUserID string `yaml:"sf_user_id" json:"sfUserId,omitempty"`
	PhotoURL string `yaml:"photo_url" json:"photoUrl,omitempty"`
}

type Category struct {
	ID    string `yaml:"id" json:"id"`
	Label string `yaml:"label" json:"label"`
	Color string `yaml:"color" json:"color"`
}

type TaskType struct {
	ID    string `yaml:"id" json:"id"`
	Label string `yaml:"label" json:"label"`
	Color string `yaml:"color" json:"color"`
	Icon  string `yaml:"icon" json:"icon"`
}

type Priority struct {
	Value int    `yaml:"value" json:"value"`
	Label string `yaml:"label" json:"label"`
}

type Roster struct {
	Members    []Member   `yaml:"members" json:"members"`
	Categories []Category `yaml:"categories" json:"categories"`
	TaskTypes  []TaskType `yaml:"task_types" json:"taskTypes"`
	Priorities []Priority `yaml:"priorities" json:"priorities"`
}

// Default returns the built-in roster.
func Default() *Roster {
	r, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("roster: embedded data invalid: %v", err))
	}
	return r
}

// Load reads a roster file. An empty path yields the built-in roster.
func Load(path string) (*Roster, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if len(r.Members) == 0 {
		return nil, errors.New("roster has no members")
	}
	if len(r.Categories) == 0 {
		return nil, errors.New("roster has no categories")
	}
	seen := map[string]bool{}
	for _, m := range r.Members {
		if m.ID == "" {
			return nil, errors.New("roster member without id")
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("duplicate member id %q", m.ID)
		}
		seen[m.ID] = true
	}
	return &r, nil
}

func (r *Roster) Member(id string) (Member, bool) {
	for _, m := range r.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

func (r *Roster) Category(id string) (Category, bool) {
	for _, c := range r.Categories {
		if c.ID == id {
			return c, true
		}
	}
	return Category{}, false
}

func (r *Roster) TaskType(id string) (TaskType, bool) {
	for _, tt := range r.TaskTypes {
		if tt.ID == id {
			return tt, true
		}
	}
	return TaskType{}, false
}

// PriorityLabel returns the label for a 1..5 priority, or "" when unknown.
func (r *Roster) PriorityLabel(v int) string {
	for _, p := range r.Priorities {
		if p.Value == v {
			return p.Label
		}
	}
	return ""
}

func (r *Roster) IsManager(memberID string) bool {
	m, ok := r.Member(memberID)
	return ok && m.Role == RoleManager
}

// Validate checks the classification fields of a task against the roster.
func (r *Roster) Validate(memberID, category, taskType string) error {
	if _, ok := r.Member(memberID); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMember, memberID)
	}
	if _, ok := r.Category(category); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	if taskType != "" && len(r.TaskTypes) > 0 {
		if _, ok := r.TaskType(taskType); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
		}
	}
	return nil
}
