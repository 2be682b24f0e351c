// Package catalog maintains the allow-list of tokenized symbols that can be
// backed by brokerage orders.
package catalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/biequity/reconciler/internal/brokerage"
	"github.com/biequity/reconciler/internal/fault"
)

// DefaultSymbols matches the tokens issued by the contract.
var DefaultSymbols = []string{"AAPL", "TSLA", "MSFT"}

const defaultRefresh = 10 * time.Minute

// SupportedAsset is an allow-listed symbol with its brokerage metadata.
type SupportedAsset struct {
	Symbol           string `json:"symbol"`
	Name             string `json:"name,omitempty"`
	Tradable         bool   `json:"tradable"`
	Fractionable     bool   `json:"fractionable"`
	BrokerageAssetID string `json:"brokerage_asset_id"`
}

// AssetLister is the brokerage call the catalog refreshes from.
type AssetLister interface {
	ListAssets(ctx context.Context, q brokerage.AssetQuery) ([]brokerage.Asset, error)
}

// Service caches the supported assets and refreshes them on an interval.
type Service struct {
	lister  AssetLister
	allowed map[string]struct{}
	refresh time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	assets    map[string]SupportedAsset
	fetchedAt time.Time
}

// New builds a catalog over the given allow-list.
func New(lister AssetLister, symbols []string, refresh time.Duration, log *slog.Logger) *Service {
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	allowed := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		allowed[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return &Service{
		lister:  lister,
		allowed: allowed,
		refresh: refresh,
		log:     log,
		now:     time.Now,
	}
}

// ListSupportedAssets returns tradable, allow-listed assets sorted by symbol.
func (s *Service) ListSupportedAssets(ctx context.Context) ([]SupportedAsset, error) {
	assets, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SupportedAsset, 0, len(assets))
	for _, a := range assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Lookup reports whether symbol is allow-listed and tradable. A catalog that
// cannot be loaded yields a transient error, never a negative answer.
func (s *Service) Lookup(ctx context.Context, symbol string) (SupportedAsset, bool, error) {
	if _, ok := s.allowed[symbol]; !ok {
		return SupportedAsset{}, false, nil
	}
	assets, err := s.snapshot(ctx)
	if err != nil {
		return SupportedAsset{}, false, err
	}
	a, ok := assets[symbol]
	return a, ok, nil
}

func (s *Service) snapshot(ctx context.Context) (map[string]SupportedAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.assets != nil && s.now().Sub(s.fetchedAt) < s.refresh {
		return s.assets, nil
	}

	fresh, err := s.load(ctx)
	if err != nil {
		if s.assets != nil {
			s.log.Warn("catalog refresh failed, serving stale assets", "age", s.now().Sub(s.fetchedAt), "error", err)
			return s.assets, nil
		}
		return nil, fault.Transient("catalog refresh", err)
	}
	s.assets = fresh
	s.fetchedAt = s.now()
	s.log.Info("catalog refreshed", "supported", len(fresh), "allowed", len(s.allowed))
	return s.assets, nil
}

func (s *Service) load(ctx context.Context) (map[string]SupportedAsset, error) {
	all, err := s.lister.ListAssets(ctx, brokerage.AssetQuery{Status: "active", AssetClass: "us_equity"})
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	out := make(map[string]SupportedAsset, len(s.allowed))
	for _, a := range all {
		if _, ok := s.allowed[a.Symbol]; !ok || !a.Tradable {
			continue
		}
		out[a.Symbol] = SupportedAsset{
			Symbol:           a.Symbol,
			Name:             a.Name,
			Tradable:         a.Tradable,
			Fractionable:     a.Fractionable,
			BrokerageAssetID: a.ID,
		}
	}
	return out, nil
}
