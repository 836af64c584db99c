// Package settings reads externally configured values used by the workflows.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/foodops/internal/shared"
)

// Known keys.
const (
	KeyShippingSurcharge = "shipping_surcharge"
	KeyTaxRate           = "tax_rate"
)

const cachePrefix = "settings:"

// Charges are the values applied when an order is invoiced.
type Charges struct {
	ShippingSurcharge decimal.Decimal `json:"shipping_surcharge"`
	TaxRate           decimal.Decimal `json:"tax_rate"`
}

// Source is the durable store of settings.
type Source interface {
	Lookup(ctx context.Context, key string) (string, bool, error)
	Upsert(ctx context.Context, key, value string) error
}

// Service resolves settings through a redis read-through cache.
type Service struct {
	source Source
	cache  *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewService builds Service. cache may be nil.
func NewService(source Source, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{source: source, cache: cache, ttl: ttl, logger: logger.With(slog.String("module", "settings"))}
}

// Charges returns the shipping surcharge and tax rate, zero when unset.
func (s *Service) Charges(ctx context.Context) (Charges, error) {
	surcharge, err := s.Decimal(ctx, KeyShippingSurcharge)
	if err != nil {
		return Charges{}, err
	}
	rate, err := s.Decimal(ctx, KeyTaxRate)
	if err != nil {
		return Charges{}, err
	}
	return Charges{ShippingSurcharge: surcharge, TaxRate: rate}, nil
}

// Decimal resolves key as a decimal. Missing keys resolve to zero.
func (s *Service) Decimal(ctx context.Context, key string) (decimal.Decimal, error) {
	raw, err := s.get(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	if raw == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("setting %s: parse %q: %w", key, raw, err)
	}
	return value, nil
}

// Set validates and stores a decimal setting, then drops the cached copy.
func (s *Service) Set(ctx context.Context, key string, value decimal.Decimal) error {
	key = strings.TrimSpace(key)
	switch key {
	case KeyShippingSurcharge:
		if value.IsNegative() {
			return fmt.Errorf("%w: shipping surcharge must not be negative", shared.ErrValidation)
		}
	case KeyTaxRate:
		if value.IsNegative() || value.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: tax rate must be a fraction between 0 and 1", shared.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown setting %q", shared.ErrValidation, key)
	}
	if err := s.source.Upsert(ctx, key, value.String()); err != nil {
		return fmt.Errorf("store setting %s: %w", key, err)
	}
	if s.cache != nil {
		if err := s.cache.Del(ctx, cachePrefix+key).Err(); err != nil {
			s.logger.WarnContext(ctx, "settings cache invalidation failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return nil
}

func (s *Service) get(ctx context.Context, key string) (string, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cachePrefix+key).Result()
		switch {
		case err == nil:
			return cached, nil
		case !errors.Is(err, redis.Nil):
			s.logger.WarnContext(ctx, "settings cache read failed", slog.String("key", key), slog.Any("error", err))
		}
	}

	ch := s.group.DoChan(key, func() (interface{}, error) {
		value, _, err := s.source.Lookup(ctx, key)
		if err != nil {
			return "", err
		}
		if s.cache != nil {
			if err := s.cache.Set(ctx, cachePrefix+key, value, s.ttl).Err(); err != nil {
				s.logger.WarnContext(ctx, "settings cache write failed", slog.String("key", key), slog.Any("error", err))
			}
		}
		return value, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("lookup setting %s: %w", key, res.Err)
		}
		return res.Val.(string), nil
	}
}
