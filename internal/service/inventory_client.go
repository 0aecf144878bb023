package service

import (
	"context"
	"fmt"

	"pos-service/internal/store"
	"pos-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// stockChange is a committed stock decrement
type stockChange struct {
	ProductID int64
	Deducted  decimal.Decimal
	InStock   decimal.Decimal
	Minimum   decimal.Decimal
}

// InventoryClient keeps the redis stock mirror in line with the database.
// The database stays authoritative; mirror failures are logged and counted.
type InventoryClient struct {
	store  store.Repository
	cache  StockCache
	logger *zap.Logger
}

// NewInventoryClient creates a new inventory client. A nil cache disables the mirror.
func NewInventoryClient(store store.Repository, cache StockCache) *InventoryClient {
	return &InventoryClient{
		store:  store,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// SyncInventoryToRedis copies every product's stock level into the mirror
func (ic *InventoryClient) SyncInventoryToRedis(ctx context.Context) error {
	if ic.cache == nil {
		return nil
	}
	ic.logger.Info("Starting inventory sync to Redis")

	products, err := ic.store.GetProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to get products: %w", err)
	}

	synced := 0
	for _, product := range products {
		if err := ic.cache.SetStock(ctx, product.ID, product.InStock, product.MinimumStock); err != nil {
			util.StockCacheErrorsTotal.WithLabelValues("sync").Inc()
			ic.logger.Error("Failed to init Redis inventory",
				zap.Int64("product_id", product.ID),
				zap.Error(err))
			continue
		}
		synced++
	}

	ic.logger.Info("Inventory sync completed", zap.Int("count", synced))
	return nil
}

// applyCommitted replays committed decrements onto the mirror. A missing or
// drifted mirror entry is reset to the committed value.
func (ic *InventoryClient) applyCommitted(ctx context.Context, changes []stockChange) {
	if ic.cache == nil {
		return
	}
	ctx, span := util.StartSpan(ctx, "InventoryClient.applyCommitted")
	defer span.End()

	for _, ch := range changes {
		mirrored, found, err := ic.cache.DeductStock(ctx, ch.ProductID, ch.Deducted)
		if err != nil {
			util.StockCacheErrorsTotal.WithLabelValues("deduct").Inc()
			ic.logger.Error("Failed to deduct stock in Redis",
				zap.Int64("product_id", ch.ProductID),
				zap.Error(err))
			continue
		}
		if found && mirrored.Equal(ch.InStock) {
			continue
		}
		if found {
			ic.logger.Warn("Stock mirror drifted, resetting",
				zap.Int64("product_id", ch.ProductID),
				zap.String("mirror", mirrored.String()),
				zap.String("db", ch.InStock.String()))
		}
		if err := ic.cache.SetStock(ctx, ch.ProductID, ch.InStock, ch.Minimum); err != nil {
			util.StockCacheErrorsTotal.WithLabelValues("set").Inc()
			ic.logger.Error("Failed to reset stock in Redis",
				zap.Int64("product_id", ch.ProductID),
				zap.Error(err))
		}
	}
}
