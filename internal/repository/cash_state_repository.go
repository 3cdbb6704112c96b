// internal/repository/cash_state_repository.go
package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cash-device-service/internal/model"
)

// Redis keys for the live cash counters. The key names are part of
// the contract with the payment orchestrator, which reads the same
// keys.
const (
	keyBillCount    = "bill_count"
	keyMaxBillCount = "max_bill_count"

	keyDispenserUpperLvl   = "bill_dispenser:upper_lvl"
	keyDispenserLowerLvl   = "bill_dispenser:lower_lvl"
	keyDispenserUpperCount = "bill_dispenser:upper_count"
	keyDispenserLowerCount = "bill_dispenser:lower_count"

	keyTargetAmount     = "target_amount"
	keyCollectedAmount  = "collected_amount"
	keyTestMode         = "cash_system_is_test_mode"
	keyAvailableDevices = "available_devices_cash"
	keyBigCoinPriority  = "settings:big_coin_priority"
)

// cashStateRepository implements CashStateRepository on Redis
type cashStateRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCashStateRepository creates a new cash state repository
func NewCashStateRepository(client *redis.Client, logger *zap.Logger) CashStateRepository {
	return &cashStateRepository{
		client: client,
		logger: logger,
	}
}

// getInt reads an integer key, treating a missing key as zero
func (r *cashStateRepository) getInt(ctx context.Context, key string) (int64, error) {
	value, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", key, err)
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric value in %s: %w", key, err)
	}
	return n, nil
}

func (r *cashStateRepository) setInt(ctx context.Context, key string, value int64) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Bill acceptor stacker

func (r *cashStateRepository) GetBillCount(ctx context.Context) (int, error) {
	n, err := r.getInt(ctx, keyBillCount)
	return int(n), err
}

func (r *cashStateRepository) IncrementBillCount(ctx context.Context) (int, error) {
	n, err := r.client.Incr(ctx, keyBillCount).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", keyBillCount, err)
	}
	return int(n), nil
}

// ResetBillCount zeroes the stacker counter after cash collection
func (r *cashStateRepository) ResetBillCount(ctx context.Context) error {
	return r.setInt(ctx, keyBillCount, 0)
}

func (r *cashStateRepository) GetMaxBillCount(ctx context.Context) (int, error) {
	n, err := r.getInt(ctx, keyMaxBillCount)
	return int(n), err
}

func (r *cashStateRepository) SetMaxBillCount(ctx context.Context, count int) error {
	return r.setInt(ctx, keyMaxBillCount, int64(count))
}

// Bill dispenser cassettes

func (r *cashStateRepository) GetDispenserState(ctx context.Context) (*DispenserState, error) {
	values, err := r.client.MGet(ctx,
		keyDispenserUpperLvl, keyDispenserLowerLvl,
		keyDispenserUpperCount, keyDispenserLowerCount,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dispenser state: %w", err)
	}

	parse := func(v interface{}) int64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}

	return &DispenserState{
		UpperDenomination: model.Money(parse(values[0])),
		LowerDenomination: model.Money(parse(values[1])),
		UpperCount:        int(parse(values[2])),
		LowerCount:        int(parse(values[3])),
	}, nil
}

func (r *cashStateRepository) SetDispenserDenominations(ctx context.Context, upper, lower model.Money) error {
	if err := r.setInt(ctx, keyDispenserUpperLvl, int64(upper)); err != nil {
		return err
	}
	return r.setInt(ctx, keyDispenserLowerLvl, int64(lower))
}

func (r *cashStateRepository) SetDispenserCounts(ctx context.Context, upper, lower int) error {
	if err := r.setInt(ctx, keyDispenserUpperCount, int64(upper)); err != nil {
		return err
	}
	return r.setInt(ctx, keyDispenserLowerCount, int64(lower))
}

// SubtractDispenserCounts settles inventory after a dispense, never
// going below zero
func (r *cashStateRepository) SubtractDispenserCounts(ctx context.Context, upper, lower int) error {
	state, err := r.GetDispenserState(ctx)
	if err != nil {
		return err
	}

	newUpper := state.UpperCount - upper
	if newUpper < 0 {
		newUpper = 0
	}
	newLower := state.LowerCount - lower
	if newLower < 0 {
		newLower = 0
	}

	return r.SetDispenserCounts(ctx, newUpper, newLower)
}

func (r *cashStateRepository) ResetDispenserCounts(ctx context.Context) error {
	return r.SetDispenserCounts(ctx, 0, 0)
}

// Payment state

func (r *cashStateRepository) GetPaymentState(ctx context.Context) (*PaymentState, error) {
	target, err := r.getInt(ctx, keyTargetAmount)
	if err != nil {
		return nil, err
	}
	collected, err := r.getInt(ctx, keyCollectedAmount)
	if err != nil {
		return nil, err
	}
	testMode, err := r.IsTestMode(ctx)
	if err != nil {
		return nil, err
	}

	return &PaymentState{
		TargetAmount:    model.Money(target),
		CollectedAmount: model.Money(collected),
		TestMode:        testMode,
	}, nil
}

func (r *cashStateRepository) SetTargetAmount(ctx context.Context, amount model.Money) error {
	return r.setInt(ctx, keyTargetAmount, int64(amount))
}

func (r *cashStateRepository) AddCollectedAmount(ctx context.Context, amount model.Money) (model.Money, error) {
	n, err := r.client.IncrBy(ctx, keyCollectedAmount, int64(amount)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", keyCollectedAmount, err)
	}
	return model.Money(n), nil
}

func (r *cashStateRepository) ResetPaymentState(ctx context.Context) error {
	if err := r.setInt(ctx, keyTargetAmount, 0); err != nil {
		return err
	}
	return r.setInt(ctx, keyCollectedAmount, 0)
}

func (r *cashStateRepository) IsTestMode(ctx context.Context) (bool, error) {
	value, err := r.client.Get(ctx, keyTestMode).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", keyTestMode, err)
	}
	return value != "" && value != "0", nil
}

func (r *cashStateRepository) SetTestMode(ctx context.Context, enabled bool) error {
	value := ""
	if enabled {
		value = "1"
	}
	if err := r.client.Set(ctx, keyTestMode, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", keyTestMode, err)
	}
	return nil
}

// Device availability

func (r *cashStateRepository) SetAvailableDevices(ctx context.Context, devices []string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, keyAvailableDevices)
	if len(devices) > 0 {
		members := make([]interface{}, len(devices))
		for i, d := range devices {
			members[i] = d
		}
		pipe.SAdd(ctx, keyAvailableDevices, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write %s: %w", keyAvailableDevices, err)
	}
	return nil
}

func (r *cashStateRepository) GetAvailableDevices(ctx context.Context) ([]string, error) {
	members, err := r.client.SMembers(ctx, keyAvailableDevices).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", keyAvailableDevices, err)
	}
	return members, nil
}

// Coin dispensing preference

func (r *cashStateRepository) GetBigCoinPriority(ctx context.Context) (bool, error) {
	value, err := r.client.Get(ctx, keyBigCoinPriority).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", keyBigCoinPriority, err)
	}
	return value != "" && value != "0", nil
}

func (r *cashStateRepository) SetBigCoinPriority(ctx context.Context, enabled bool) error {
	value := ""
	if enabled {
		value = "1"
	}
	if err := r.client.Set(ctx, keyBigCoinPriority, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", keyBigCoinPriority, err)
	}
	return nil
}
