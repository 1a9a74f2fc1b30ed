// Package state records what the deployer has provisioned and coordinates
// exclusive access to that record.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const Version = 1

// State is the persisted document for one environment.
type State struct {
	Version   int               `json:"version"`
	Serial    int64             `json:"serial"`
	Lineage   string            `json:"lineage"`
	Resources []*ResourceState  `json:"resources"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ResourceState is one provisioned resource.
type ResourceState struct {
	Address      string            `json:"address"`
	Type         string            `json:"type"`
	Inputs       json.RawMessage   `json:"inputs"`
	InputsHash   string            `json:"inputs_hash"`
	Attributes   map[string]string `json:"attributes"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Retained     bool              `json:"retained,omitempty"`
}

// New returns an empty state with a fresh lineage.
func New() *State {
	return &State{
		Version: Version,
		Lineage: uuid.New().String(),
		Outputs: map[string]string{},
	}
}

// Find returns the resource at address, or nil.
func (s *State) Find(address string) *ResourceState {
	for _, r := range s.Resources {
		if r.Address == address {
			return r
		}
	}
	return nil
}

// Upsert replaces the resource with the same address or appends it.
func (s *State) Upsert(rs *ResourceState) {
	for i, r := range s.Resources {
		if r.Address == rs.Address {
			s.Resources[i] = rs
			return
		}
	}
	s.Resources = append(s.Resources, rs)
}

// Remove drops the resource at address.
func (s *State) Remove(address string) {
	out := s.Resources[:0]
	for _, r := range s.Resources {
		if r.Address != address {
			out = append(out, r)
		}
	}
	s.Resources = out
}

// Hash is the inputs hash stored alongside each resource.
func Hash(inputs []byte) string {
	sum := sha256.Sum256(inputs)
	return hex.EncodeToString(sum[:])
}

func decode(data []byte) (*State, error) {
	st := &State{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, err
	}
	if st.Outputs == nil {
		st.Outputs = map[string]string{}
	}
	return st, nil
}

func encode(st *State) ([]byte, error) {
	return json.MarshalIndent(st, "", "  ")
}
