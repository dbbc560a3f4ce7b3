package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stefke3210-cmd/agrimods/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

const bundleCacheTTL = 5 * time.Minute

// CatalogRepository is a read-only view of the mod/bundle catalog. Catalog
// CRUD lives elsewhere; fulfillment only prices items and expands bundles.
type CatalogRepository interface {
	FindMods(ctx context.Context, modIDs []string) ([]*model.Mod, error)
	FindBundles(ctx context.Context, bundleIDs []string) ([]*model.Bundle, error)
	// BundleModIDs expands a bundle into the mod ids it contains.
	BundleModIDs(ctx context.Context, bundleID string) ([]string, error)
}

type catalogRepoImpl struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewCatalogRepository builds the catalog reader. redisClient may be nil, in
// which case bundle expansion always hits the database.
func NewCatalogRepository(db *gorm.DB, redisClient *redis.Client) CatalogRepository {
	return &catalogRepoImpl{
		db:          db,
		redisClient: redisClient,
	}
}

func (r *catalogRepoImpl) FindMods(ctx context.Context, modIDs []string) ([]*model.Mod, error) {
	var mods []*model.Mod
	err := r.db.WithContext(ctx).
		Where("id IN ?", modIDs).
		Find(&mods).Error

	if err != nil {
		return nil, err
	}

	return mods, nil
}

func (r *catalogRepoImpl) FindBundles(ctx context.Context, bundleIDs []string) ([]*model.Bundle, error) {
	var bundles []*model.Bundle
	err := r.db.WithContext(ctx).
		Where("id IN ?", bundleIDs).
		Find(&bundles).Error

	if err != nil {
		return nil, err
	}

	return bundles, nil
}

func (r *catalogRepoImpl) BundleModIDs(ctx context.Context, bundleID string) ([]string, error) {
	cacheKey := fmt.Sprintf("bundle:mods:%s", bundleID)

	if r.redisClient != nil {
		cached, err := r.redisClient.Get(ctx, cacheKey).Result()
		if err == nil {
			var modIDs []string
			if err := json.Unmarshal([]byte(cached), &modIDs); err == nil {
				return modIDs, nil
			}
		}
	}

	var modIDs []string
	err := r.db.WithContext(ctx).Model(&model.BundleMod{}).
		Where("bundle_id = ?", bundleID).
		Pluck("mod_id", &modIDs).Error

	if err != nil {
		return nil, err
	}

	if r.redisClient != nil && len(modIDs) > 0 {
		if data, err := json.Marshal(modIDs); err == nil {
			r.redisClient.Set(ctx, cacheKey, data, bundleCacheTTL)
		}
	}

	return modIDs, nil
}
