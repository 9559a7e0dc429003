package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/dukerupert/pantry/internal/model"
)

// DefaultShelfName is the name given to freshly created shelves.
const DefaultShelfName = "New Shelf"

type ShelfStore struct {
	db *sql.DB
}

func NewShelfStore(db *sql.DB) *ShelfStore {
	return &ShelfStore{db: db}
}

// --- Shelf methods ---

func scanShelf(scanner interface{ Scan(...any) error }) (*model.Shelf, error) {
	var sh model.Shelf
	err := scanner.Scan(&sh.ID, &sh.UserID, &sh.Name, &sh.CreatedAt, &sh.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

const shelfCols = `id, user_id, name, created_at, updated_at`

func (s *ShelfStore) CreateShelf(userID int64, name string) (*model.Shelf, error) {
	if name == "" {
		name = DefaultShelfName
	}
	result, err := s.db.Exec(`INSERT INTO shelves (user_id, name) VALUES (?, ?)`, userID, name)
	if err != nil {
		return nil, fmt.Errorf("insert shelf: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetShelf(userID, id)
}

// GetShelf returns the shelf if it exists and belongs to userID.
func (s *ShelfStore) GetShelf(userID, id int64) (*model.Shelf, error) {
	row := s.db.QueryRow(`SELECT `+shelfCols+` FROM shelves WHERE id = ? AND user_id = ?`, id, userID)
	sh, err := scanShelf(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get shelf: %w", err)
	}
	return sh, nil
}

// ListShelves returns the user's shelves whose name contains query
// (case-insensitive), newest first, each with its items sorted by name.
func (s *ShelfStore) ListShelves(userID int64, query string) ([]model.Shelf, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := s.db.Query(
		`SELECT `+shelfCols+` FROM shelves
		 WHERE user_id = ? AND name LIKE ? ESCAPE '\'
		 ORDER BY created_at DESC, id DESC`,
		userID, pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("list shelves: %w", err)
	}
	defer rows.Close()

	shelves := []model.Shelf{}
	index := make(map[int64]int)
	for rows.Next() {
		sh, err := scanShelf(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shelf: %w", err)
		}
		sh.Items = []model.Item{}
		index[sh.ID] = len(shelves)
		shelves = append(shelves, *sh)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(shelves) == 0 {
		return shelves, nil
	}

	items, err := s.listItemsByUser(userID)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if i, ok := index[item.ShelfID]; ok {
			shelves[i].Items = append(shelves[i].Items, item)
		}
	}
	return shelves, nil
}

func (s *ShelfStore) RenameShelf(userID, id int64, name string) (*model.Shelf, error) {
	result, err := s.db.Exec(
		`UPDATE shelves SET name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND user_id = ?`,
		name, id, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("rename shelf: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return nil, nil
	}
	return s.GetShelf(userID, id)
}

// DeleteShelf removes the shelf and, by cascade, its items. It reports
// whether a shelf was removed.
func (s *ShelfStore) DeleteShelf(userID, id int64) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM shelves WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete shelf: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// --- Item methods ---

func scanItem(scanner interface{ Scan(...any) error }) (*model.Item, error) {
	var item model.Item
	err := scanner.Scan(&item.ID, &item.ShelfID, &item.UserID, &item.Name, &item.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

const itemCols = `id, shelf_id, user_id, name, created_at`

// CreateItem adds an item to one of the user's shelves. It returns nil when
// the shelf does not belong to the user.
func (s *ShelfStore) CreateItem(userID, shelfID int64, name string) (*model.Item, error) {
	shelf, err := s.GetShelf(userID, shelfID)
	if err != nil {
		return nil, err
	}
	if shelf == nil {
		return nil, nil
	}

	result, err := s.db.Exec(
		`INSERT INTO items (shelf_id, user_id, name) VALUES (?, ?, ?)`,
		shelfID, userID, name,
	)
	if err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetItem(userID, id)
}

func (s *ShelfStore) GetItem(userID, id int64) (*model.Item, error) {
	row := s.db.QueryRow(`SELECT `+itemCols+` FROM items WHERE id = ? AND user_id = ?`, id, userID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

func (s *ShelfStore) ListItems(userID, shelfID int64) ([]model.Item, error) {
	rows, err := s.db.Query(
		`SELECT `+itemCols+` FROM items WHERE shelf_id = ? AND user_id = ? ORDER BY name COLLATE NOCASE ASC, id ASC`,
		shelfID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *ShelfStore) listItemsByUser(userID int64) ([]model.Item, error) {
	rows, err := s.db.Query(
		`SELECT `+itemCols+` FROM items WHERE user_id = ? ORDER BY name COLLATE NOCASE ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]model.Item, error) {
	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (s *ShelfStore) DeleteItem(userID, id int64) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM items WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
