// Package seed loads a demo account with a small pantry.
package seed

import (
	"fmt"
	"log/slog"

	"github.com/dukerupert/pantry/internal/model"
	"github.com/dukerupert/pantry/internal/store"
)

const DemoEmail = "me@example.com"

type shelfSeed struct {
	name  string
	items []string
}

var demoPantry = []shelfSeed{
	{"Dairy", []string{"Milk", "Eggs", "Cheese"}},
	{"Fruits", []string{"Apple", "Orange"}},
}

// Run creates the demo user and pantry. It does nothing when the demo user
// already exists, and reports whether anything was created.
func Run(users *store.UserStore, shelves *store.ShelfStore, logger *slog.Logger) (*model.User, bool, error) {
	existing, err := users.GetByEmail(DemoEmail)
	if err != nil {
		return nil, false, fmt.Errorf("get demo user: %w", err)
	}
	if existing != nil {
		logger.Info("demo user already exists", "user_id", existing.ID)
		return existing, false, nil
	}

	user, err := users.Create(DemoEmail, "me", "Example")
	if err != nil {
		return nil, false, fmt.Errorf("create demo user: %w", err)
	}

	for _, s := range demoPantry {
		shelf, err := shelves.CreateShelf(user.ID, s.name)
		if err != nil {
			return nil, false, fmt.Errorf("create shelf %q: %w", s.name, err)
		}
		for _, name := range s.items {
			if _, err := shelves.CreateItem(user.ID, shelf.ID, name); err != nil {
				return nil, false, fmt.Errorf("create item %q: %w", name, err)
			}
		}
	}

	logger.Info("seeded demo pantry", "user_id", user.ID, "shelves", len(demoPantry))
	return user, true, nil
}
