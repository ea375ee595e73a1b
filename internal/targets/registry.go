// Package targets holds the allow-list of lab nodes a session may connect
// to. A connection request naming a node outside this registry is rejected
// before any backend connection is attempted.
package targets

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Target identifies one backend lab node and its SSH credentials.
type Target struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// PasswordEncrypted is a fernet token holding the password at rest.
	// It takes precedence over Password when set.
	PasswordEncrypted string `yaml:"password_encrypted"`
}

// Registry is the immutable-after-startup node allow-list.
type Registry struct {
	nodes map[string]Target
}

// NewRegistry creates a registry containing the default target under the
// ids "default" and "ssh" (the original demo wiring).
func NewRegistry(def Target) *Registry {
	return &Registry{nodes: map[string]Target{
		"default": def,
		"ssh":     def,
	}}
}

// Add registers a node under the given id, replacing any previous entry.
func (r *Registry) Add(id string, t Target) {
	if t.Port == 0 {
		t.Port = 22
	}
	r.nodes[id] = t
}

// Find returns the target for a node id. Absent ids report false and must
// be treated as a policy violation by the caller.
func (r *Registry) Find(id string) (Target, bool) {
	if id == "" {
		return Target{}, false
	}
	t, ok := r.nodes[id]
	return t, ok
}

// IDs returns all registered node ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	return ids
}

type targetsFile struct {
	Nodes map[string]Target `yaml:"nodes"`
}

// LoadFile reads additional nodes from a YAML file into the registry.
// Entries carrying an encrypted password are decrypted with the supplied
// function; decrypt may be nil when no entry uses encryption.
func (r *Registry) LoadFile(path string, decrypt func(string) (string, error)) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read targets file: %w", err)
	}

	var f targetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse targets file: %w", err)
	}

	for id, t := range f.Nodes {
		if t.Host == "" {
			return fmt.Errorf("target %q: missing host", id)
		}
		if t.PasswordEncrypted != "" {
			if decrypt == nil {
				return fmt.Errorf("target %q: encrypted password but no key available", id)
			}
			plain, err := decrypt(t.PasswordEncrypted)
			if err != nil {
				return fmt.Errorf("target %q: decrypt password: %w", id, err)
			}
			t.Password = plain
			t.PasswordEncrypted = ""
		}
		r.Add(id, t)
	}
	return nil
}
