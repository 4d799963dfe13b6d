package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/vbonduro/lendchain/internal/domain"
	"github.com/vbonduro/lendchain/internal/store"
)

// ItemSpec is one entry of an items file.
type ItemSpec struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Owner   string `yaml:"owner"`
	ForSale bool   `yaml:"for_sale"`
}

type itemsFile struct {
	Items []ItemSpec `yaml:"items"`
}

type ImportResult struct {
	Registered []domain.Item
	Existing   []string
}

// ImportItems registers every item listed in the YAML document read from r.
// Items already in the ledger are skipped. onRegistered, if not nil, is called
// for each newly registered item.
func (s *LendingService) ImportItems(ctx context.Context, r io.Reader, onRegistered func(domain.Item)) (ImportResult, error) {
	var file itemsFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return ImportResult{}, fmt.Errorf("%w: items file: %v", domain.ErrInvalidRequest, err)
	}

	var result ImportResult
	for i, entry := range file.Items {
		item, err := s.RegisterItem(ctx, entry.ID, entry.Name, entry.Owner, entry.ForSale)
		if errors.Is(err, store.ErrItemExists) {
			result.Existing = append(result.Existing, entry.ID)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("item %d (%s): %w", i+1, entry.ID, err)
		}
		result.Registered = append(result.Registered, item)
		if onRegistered != nil {
			onRegistered(item)
		}
	}

	s.logger.Info("items imported", "registered", len(result.Registered), "existing", len(result.Existing))
	return result, nil
}
