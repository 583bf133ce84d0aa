package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"custody-backend/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
)

// Reader resolves platform settings at call time. No caching: the operating
// procedure for rotating the collection or payout address is a settings
// update, and every consumer must see it on the very next call.
type Reader struct {
	db *gorm.DB
}

func NewReader(db *gorm.DB) *Reader {
	return &Reader{db: db}
}

// ErrNotConfigured marks a setting that has no row, as opposed to one that
// could not be read. Optional settings treat the former as a default, never
// the latter.
var ErrNotConfigured = errors.New("platform setting not configured")

func (r *Reader) value(ctx context.Context, key string) (string, error) {
	var setting models.PlatformSetting
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if err == gorm.ErrRecordNotFound {
		return "", fmt.Errorf("%w: %q", ErrNotConfigured, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read platform setting %q: %w", key, err)
	}
	return setting.Value, nil
}

// CollectionAddress returns the address deposits must be sent to.
func (r *Reader) CollectionAddress(ctx context.Context) (common.Address, error) {
	raw, err := r.value(ctx, models.SettingCollectionAddress)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("platform setting %q holds invalid address %q", models.SettingCollectionAddress, raw)
	}
	return common.HexToAddress(raw), nil
}

// PayoutAddress returns the address outbound payments are sent from.
func (r *Reader) PayoutAddress(ctx context.Context) (common.Address, error) {
	raw, err := r.value(ctx, models.SettingPayoutAddress)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("platform setting %q holds invalid address %q", models.SettingPayoutAddress, raw)
	}
	return common.HexToAddress(raw), nil
}

// MaxOpenTier returns the highest tier currently open for new intents.
// Unset means no restriction; a lookup failure propagates so a flapping
// database cannot silently disable the gate.
func (r *Reader) MaxOpenTier(ctx context.Context) (int, error) {
	raw, err := r.value(ctx, models.SettingMaxOpenTier)
	if errors.Is(err, ErrNotConfigured) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	tier, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("platform setting %q holds invalid tier %q", models.SettingMaxOpenTier, raw)
	}
	return tier, nil
}
