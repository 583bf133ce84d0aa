package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"custody-backend/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testReader(t *testing.T) (*Reader, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.PlatformSetting{}))
	return NewReader(db), db
}

func setSetting(t *testing.T, db *gorm.DB, key, value string) {
	t.Helper()
	require.NoError(t, db.Create(&models.PlatformSetting{Key: key, Value: value}).Error)
}

func TestMaxOpenTierUnsetMeansNoRestriction(t *testing.T) {
	r, _ := testReader(t)

	tier, err := r.MaxOpenTier(context.Background())
	require.NoError(t, err)
	assert.Zero(t, tier)
}

func TestMaxOpenTierConfigured(t *testing.T) {
	r, db := testReader(t)
	setSetting(t, db, models.SettingMaxOpenTier, "3")

	tier, err := r.MaxOpenTier(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, tier)
}

func TestMaxOpenTierInvalidValue(t *testing.T) {
	r, db := testReader(t)
	setSetting(t, db, models.SettingMaxOpenTier, "everything")

	_, err := r.MaxOpenTier(context.Background())
	require.Error(t, err)
}

func TestMaxOpenTierLookupFailurePropagates(t *testing.T) {
	r, db := testReader(t)

	// a broken store must not read as "no restriction"
	require.NoError(t, db.Exec("DROP TABLE platform_settings").Error)

	_, err := r.MaxOpenTier(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotConfigured))
}

func TestCollectionAddress(t *testing.T) {
	r, db := testReader(t)

	_, err := r.CollectionAddress(context.Background())
	require.Error(t, err, "the collection address is mandatory")
	assert.True(t, errors.Is(err, ErrNotConfigured))

	setSetting(t, db, models.SettingCollectionAddress, "0x00000000000000000000000000000000000000cc")
	addr, err := r.CollectionAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000cc"), addr)
}

func TestCollectionAddressRejectsGarbage(t *testing.T) {
	r, db := testReader(t)
	setSetting(t, db, models.SettingCollectionAddress, "not-an-address")

	_, err := r.CollectionAddress(context.Background())
	require.Error(t, err)
}
