package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vbonduro/lendchain/internal/domain"
)

// ErrItemExists is returned by Register when the item id is already taken.
var ErrItemExists = errors.New("item already exists")

// ItemStore is the versioned off-chain item ledger. Custody fields only
// change through CompareAndSwap.
type ItemStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewItemStore(db *sql.DB) *ItemStore {
	return &ItemStore{db: db, now: time.Now}
}

const itemColumns = `id, name, owner, holder, state, for_sale, last_tx_ref, version, created_at, updated_at`

// Register inserts a new item at version 1 with holder == owner.
func (s *ItemStore) Register(ctx context.Context, id, name, owner string, forSale bool) (domain.Item, error) {
	now := s.now().UnixMilli()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, name, owner, holder, state, for_sale, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, id, name, owner, owner, domain.ItemAvailable, forSale, now, now)
	if err != nil {
		return domain.Item{}, fmt.Errorf("failed to register item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.Item{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.Item{}, fmt.Errorf("%w: %s", ErrItemExists, id)
	}

	item, _, err := s.Get(ctx, id)
	return item, err
}

// Get returns the item and the version it was read at.
func (s *ItemStore) Get(ctx context.Context, id string) (domain.Item, uint64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Item{}, 0, fmt.Errorf("%w: %s", domain.ErrItemNotFound, id)
	}
	if err != nil {
		return domain.Item{}, 0, fmt.Errorf("failed to get item: %w", err)
	}
	return item, item.Version, nil
}

// CompareAndSwap writes the custody fields of next if the stored version still
// equals expected, bumping the version by one. It returns the stored item.
func (s *ItemStore) CompareAndSwap(ctx context.Context, id string, expected uint64, next domain.Item) (domain.Item, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE items
		SET owner = ?, holder = ?, state = ?, for_sale = ?, last_tx_ref = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, next.Owner, next.Holder, next.State, next.ForSale, next.LastTxRef, s.now().UnixMilli(), id, expected)
	if err != nil {
		return domain.Item{}, fmt.Errorf("failed to update item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return domain.Item{}, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		_, current, err := s.Get(ctx, id)
		if err != nil {
			return domain.Item{}, err
		}
		return domain.Item{}, fmt.Errorf("%w: item %s at version %d, expected %d", domain.ErrVersionConflict, id, current, expected)
	}

	item, _, err := s.Get(ctx, id)
	return item, err
}

// List returns every item ordered by id.
func (s *ItemStore) List(ctx context.Context) ([]domain.Item, error) {
	return s.query(ctx, `SELECT `+itemColumns+` FROM items ORDER BY id ASC`)
}

// ListByOwner returns the items owned by userID.
func (s *ItemStore) ListByOwner(ctx context.Context, userID string) ([]domain.Item, error) {
	return s.query(ctx, `SELECT `+itemColumns+` FROM items WHERE owner = ? ORDER BY name ASC`, userID)
}

// ListByHolder returns the items physically held by userID, owned or not.
func (s *ItemStore) ListByHolder(ctx context.Context, userID string) ([]domain.Item, error) {
	return s.query(ctx, `SELECT `+itemColumns+` FROM items WHERE holder = ? ORDER BY name ASC`, userID)
}

// ListBorrowedBy returns the items userID currently holds but does not own.
func (s *ItemStore) ListBorrowedBy(ctx context.Context, userID string) ([]domain.Item, error) {
	return s.query(ctx, `SELECT `+itemColumns+` FROM items WHERE holder = ? AND owner != holder ORDER BY name ASC`, userID)
}

func (s *ItemStore) query(ctx context.Context, query string, args ...any) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "error", err)
		}
	}()

	var items []domain.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}

	return items, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (domain.Item, error) {
	var (
		item             domain.Item
		state            string
		created, updated int64
	)
	err := row.Scan(&item.ID, &item.Name, &item.Owner, &item.Holder, &state, &item.ForSale,
		&item.LastTxRef, &item.Version, &created, &updated)
	if err != nil {
		return domain.Item{}, err
	}
	item.State = domain.ItemState(state)
	item.CreatedAt = time.UnixMilli(created)
	item.UpdatedAt = time.UnixMilli(updated)
	return item, nil
}
