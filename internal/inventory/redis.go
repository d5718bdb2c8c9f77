package inventory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const ledgerKeyPrefix = "ledger:"

// Each script mutates one ledger hash atomically and returns
// {status, available, reserved, total, threshold}. Status 1 means applied,
// 0 means the guard refused, -1 means the key does not exist.

var reserveScript = redis.NewScript(`
local key = KEYS[1]
local qty = tonumber(ARGV[1])

if redis.call('EXISTS', key) == 0 then
	return {-1, 0, 0, 0, 0}
end

local available = tonumber(redis.call('HGET', key, 'available'))
if available < qty then
	return {0, available, tonumber(redis.call('HGET', key, 'reserved')), tonumber(redis.call('HGET', key, 'total')), tonumber(redis.call('HGET', key, 'threshold'))}
end

available = redis.call('HINCRBY', key, 'available', -qty)
local reserved = redis.call('HINCRBY', key, 'reserved', qty)
redis.call('HSET', key, 'updated', ARGV[2])
return {1, available, reserved, tonumber(redis.call('HGET', key, 'total')), tonumber(redis.call('HGET', key, 'threshold'))}
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local qty = tonumber(ARGV[1])

if redis.call('EXISTS', key) == 0 then
	return {-1, 0, 0, 0, 0}
end

local reserved = tonumber(redis.call('HGET', key, 'reserved'))
if reserved < qty then
	return {0, 0, 0, 0, 0}
end

local available = redis.call('HINCRBY', key, 'available', qty)
reserved = redis.call('HINCRBY', key, 'reserved', -qty)
redis.call('HSET', key, 'updated', ARGV[2])
return {1, available, reserved, tonumber(redis.call('HGET', key, 'total')), tonumber(redis.call('HGET', key, 'threshold'))}
`)

var consumeScript = redis.NewScript(`
local key = KEYS[1]
local qty = tonumber(ARGV[1])

if redis.call('EXISTS', key) == 0 then
	return {-1, 0, 0, 0, 0}
end

local reserved = tonumber(redis.call('HGET', key, 'reserved'))
if reserved < qty then
	return {0, 0, 0, 0, 0}
end

reserved = redis.call('HINCRBY', key, 'reserved', -qty)
local total = redis.call('HINCRBY', key, 'total', -qty)
redis.call('HSET', key, 'updated', ARGV[2])
return {1, tonumber(redis.call('HGET', key, 'available')), reserved, total, tonumber(redis.call('HGET', key, 'threshold'))}
`)

var restockScript = redis.NewScript(`
local key = KEYS[1]
local qty = tonumber(ARGV[1])

if redis.call('EXISTS', key) == 0 then
	return {-1, 0, 0, 0, 0}
end

local available = redis.call('HINCRBY', key, 'available', qty)
local total = redis.call('HINCRBY', key, 'total', qty)
redis.call('HSET', key, 'updated', ARGV[2])
return {1, available, tonumber(redis.call('HGET', key, 'reserved')), total, tonumber(redis.call('HGET', key, 'threshold'))}
`)

// RedisLedger keeps ledger counters in one Redis hash per resource. It covers
// the LedgerStore side only; reservation rows stay in Postgres, where the
// status machine lives.
type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

func (r *RedisLedger) GetEntry(ctx context.Context, resourceID string) (LedgerEntry, error) {
	fields, err := r.client.HGetAll(ctx, ledgerKeyPrefix+resourceID).Result()
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("get ledger entry: %w", err)
	}
	if len(fields) == 0 {
		return LedgerEntry{}, ErrNotFound
	}
	entry := LedgerEntry{
		ResourceID:       resourceID,
		Available:        atoiField(fields, "available"),
		Reserved:         atoiField(fields, "reserved"),
		Total:            atoiField(fields, "total"),
		ReorderThreshold: atoiField(fields, "threshold"),
	}
	if unix := atoiField(fields, "updated"); unix > 0 {
		entry.UpdatedAt = time.Unix(int64(unix), 0).UTC()
	}
	return entry, nil
}

func (r *RedisLedger) PutEntry(ctx context.Context, entry LedgerEntry) error {
	err := r.client.HSet(ctx, ledgerKeyPrefix+entry.ResourceID, map[string]any{
		"available": entry.Available,
		"reserved":  entry.Reserved,
		"total":     entry.Total,
		"threshold": entry.ReorderThreshold,
		"updated":   time.Now().Unix(),
	}).Err()
	if err != nil {
		return fmt.Errorf("put ledger entry: %w", err)
	}
	return nil
}

func (r *RedisLedger) ReserveStock(ctx context.Context, resourceID string, qty int) (LedgerEntry, error) {
	entry, status, err := r.run(ctx, reserveScript, resourceID, qty)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("reserve stock: %w", err)
	}
	if status != 1 {
		// A missing hash counts as zero available.
		return LedgerEntry{}, &InsufficientStockError{ResourceID: resourceID, Requested: qty, Available: entry.Available}
	}
	return entry, nil
}

func (r *RedisLedger) ReleaseStock(ctx context.Context, resourceID string, qty int) (LedgerEntry, error) {
	entry, status, err := r.run(ctx, releaseScript, resourceID, qty)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("release stock: %w", err)
	}
	return entry, guardStatusErr(status)
}

func (r *RedisLedger) ConsumeStock(ctx context.Context, resourceID string, qty int) (LedgerEntry, error) {
	entry, status, err := r.run(ctx, consumeScript, resourceID, qty)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("consume stock: %w", err)
	}
	return entry, guardStatusErr(status)
}

func (r *RedisLedger) RestockEntry(ctx context.Context, resourceID string, qty int) (LedgerEntry, error) {
	entry, status, err := r.run(ctx, restockScript, resourceID, qty)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("restock entry: %w", err)
	}
	if status == -1 {
		return LedgerEntry{}, ErrNotFound
	}
	return entry, nil
}

func (r *RedisLedger) run(ctx context.Context, script *redis.Script, resourceID string, qty int) (LedgerEntry, int64, error) {
	reply, err := script.Run(ctx, r.client, []string{ledgerKeyPrefix + resourceID}, qty, time.Now().Unix()).Int64Slice()
	if err != nil {
		return LedgerEntry{}, 0, err
	}
	if len(reply) != 5 {
		return LedgerEntry{}, 0, fmt.Errorf("unexpected script reply length %d", len(reply))
	}
	entry := LedgerEntry{
		ResourceID:       resourceID,
		Available:        int(reply[1]),
		Reserved:         int(reply[2]),
		Total:            int(reply[3]),
		ReorderThreshold: int(reply[4]),
		UpdatedAt:        time.Now().UTC(),
	}
	return entry, reply[0], nil
}

func guardStatusErr(status int64) error {
	switch status {
	case 1:
		return nil
	case -1:
		return ErrNotFound
	default:
		return ErrLedgerUnderflow
	}
}

func atoiField(fields map[string]string, name string) int {
	n, _ := strconv.Atoi(fields[name])
	return n
}
