package backend

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/example/minimart/pkg/models"
)

// Seed is a fixture for the memory store.
type Seed struct {
	Products  []models.Product  `json:"products"`
	Users     []models.User     `json:"users"`
	Preorders []models.Preorder `json:"preorders"`
}

func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed %s: %w", path, err)
	}
	return &seed, nil
}

func (s *MemoryStore) Seed(seed *Seed) {
	for _, p := range seed.Products {
		s.AddProduct(p)
	}
	for _, u := range seed.Users {
		s.AddUser(u)
	}
	for _, p := range seed.Preorders {
		s.AddPreorder(p)
	}
}
