package seckill

import (
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Admission return codes, shared with the Lua script below.
const (
	scriptAccepted      = 0
	scriptInsufficient  = 1
	scriptDuplicateUser = 2
)

// StockKey holds the cached stock counter for a voucher. Seeded when the
// voucher goes on sale; only the admission script ever decrements it.
func StockKey(voucherID int64) string {
	return "seckill:stock:" + strconv.FormatInt(voucherID, 10)
}

// OrderSetKey holds the set of user ids already admitted for a voucher.
func OrderSetKey(voucherID int64) string {
	return "seckill:order:" + strconv.FormatInt(voucherID, 10)
}

// purchaseScript checks stock and the per-user order marker, then decrements
// and records the user, all in one atomic execution. Keys are derived from
// ARGV by convention so callers pass an empty key list. This single round
// trip is what rules out overselling and duplicate admission under
// concurrency; no application-level lock participates.
var purchaseScript = redis.NewScript(`
local voucherId = ARGV[1]
local userId = ARGV[2]
local stockKey = 'seckill:stock:' .. voucherId
local orderKey = 'seckill:order:' .. voucherId

if (tonumber(redis.call('get', stockKey)) <= 0) then
    return 1
end
if (redis.call('sismember', orderKey, userId) == 1) then
    return 2
end

redis.call('incrby', stockKey, -1)
redis.call('sadd', orderKey, userId)
return 0
`)
