package service

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/vbonduro/lendchain/internal/domain"
)

// intentEngine is the subset of reconcile.Engine that LendingService requires.
type intentEngine interface {
	Submit(ctx context.Context, req domain.IntentRequest) (domain.Intent, error)
	Cancel(ctx context.Context, intentID string) (domain.Intent, error)
	GetIntent(ctx context.Context, intentID string) (domain.Intent, error)
}

// itemRepository is the subset of store.ItemStore that LendingService requires.
type itemRepository interface {
	Register(ctx context.Context, id, name, owner string, forSale bool) (domain.Item, error)
	Get(ctx context.Context, id string) (domain.Item, uint64, error)
	ListByOwner(ctx context.Context, userID string) ([]domain.Item, error)
	ListBorrowedBy(ctx context.Context, userID string) ([]domain.Item, error)
}

// intentRepository is the subset of store.IntentStore that LendingService requires.
type intentRepository interface {
	ListByItem(ctx context.Context, itemID string, limit int) ([]domain.Intent, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.Intent, error)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type LendingService struct {
	engine    intentEngine
	itemStore itemRepository
	intents   intentRepository
	logger    *slog.Logger
}

func NewLendingService(engine intentEngine, itemStore itemRepository, intents intentRepository, logger *slog.Logger) *LendingService {
	return &LendingService{
		engine:    engine,
		itemStore: itemStore,
		intents:   intents,
		logger:    logger,
	}
}

// CreateLendIntent asks to lend itemID to userID. The returned intent is
// Submitted on success; a refusal returns the recorded intent and the reason.
func (s *LendingService) CreateLendIntent(ctx context.Context, itemID, userID string) (domain.Intent, error) {
	return s.create(ctx, domain.KindLend, itemID, userID)
}

func (s *LendingService) CreateReturnIntent(ctx context.Context, itemID, userID string) (domain.Intent, error) {
	return s.create(ctx, domain.KindReturn, itemID, userID)
}

func (s *LendingService) CreateBuyIntent(ctx context.Context, itemID, buyerID string) (domain.Intent, error) {
	return s.create(ctx, domain.KindBuy, itemID, buyerID)
}

func (s *LendingService) create(ctx context.Context, kind domain.IntentKind, itemID, userID string) (domain.Intent, error) {
	intent, err := s.engine.Submit(ctx, domain.IntentRequest{ItemID: itemID, UserID: userID, Kind: kind})
	if err != nil {
		s.logger.Info("intent not accepted", "kind", kind, "item_id", itemID, "user_id", userID, "error", err)
		return intent, err
	}
	return intent, nil
}

// RegisterItem adds a new item to the ledger, held by its owner.
func (s *LendingService) RegisterItem(ctx context.Context, id, name, owner string, forSale bool) (domain.Item, error) {
	if err := (domain.IntentRequest{ItemID: id, UserID: owner, Kind: domain.KindLend}).Validate(); err != nil {
		return domain.Item{}, err
	}
	if name == "" {
		name = id
	}
	return s.itemStore.Register(ctx, id, name, owner, forSale)
}

func (s *LendingService) GetItem(ctx context.Context, itemID string) (domain.Item, error) {
	item, _, err := s.itemStore.Get(ctx, itemID)
	return item, err
}

func (s *LendingService) GetOwnedItems(ctx context.Context, userID string) ([]domain.Item, error) {
	return s.itemStore.ListByOwner(ctx, userID)
}

func (s *LendingService) GetIntent(ctx context.Context, intentID string) (domain.Intent, error) {
	return s.engine.GetIntent(ctx, intentID)
}

func (s *LendingService) CancelIntent(ctx context.Context, intentID string) (domain.Intent, error) {
	return s.engine.Cancel(ctx, intentID)
}

// ItemHistory returns the newest intents recorded for itemID. A limit outside
// (0, 500] falls back to 50.
func (s *LendingService) ItemHistory(ctx context.Context, itemID string, limit int) ([]domain.Intent, error) {
	if _, _, err := s.itemStore.Get(ctx, itemID); err != nil {
		return nil, err
	}
	return s.intents.ListByItem(ctx, itemID, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxHistoryLimit {
		return defaultHistoryLimit
	}
	return limit
}

// UserSummary bundles everything a user currently has a stake in.
type UserSummary struct {
	UserID      string
	Owned       []domain.Item
	Borrowed    []domain.Item
	OpenIntents []domain.Intent
}

// UserSummary loads the user's owned items, borrowed items and open intents
// concurrently. A failure of any lookup fails the whole call.
func (s *LendingService) UserSummary(ctx context.Context, userID string) (*UserSummary, error) {
	summary := &UserSummary{UserID: userID}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		items, err := s.itemStore.ListByOwner(gctx, userID)
		if err != nil {
			return fmt.Errorf("failed to list owned items: %w", err)
		}
		summary.Owned = items
		return nil
	})
	g.Go(func() error {
		items, err := s.itemStore.ListBorrowedBy(gctx, userID)
		if err != nil {
			return fmt.Errorf("failed to list borrowed items: %w", err)
		}
		summary.Borrowed = items
		return nil
	})
	g.Go(func() error {
		recent, err := s.intents.ListByUser(gctx, userID, maxHistoryLimit)
		if err != nil {
			return fmt.Errorf("failed to list intents: %w", err)
		}
		open := make([]domain.Intent, 0)
		for _, intent := range recent {
			if !intent.Status.Terminal() {
				open = append(open, intent)
			}
		}
		summary.OpenIntents = open
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summary, nil
}
