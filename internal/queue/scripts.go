package queue

import "github.com/redis/go-redis/v9"

// dequeueScript moves the lowest-scored eligible id from ready to processing
// and records the delivery lease.
//
// KEYS: ready, processing, leases
// ARGV: max eligible score, visibility deadline, lease token
var dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', KEYS[3], id, ARGV[3])
return id
`)

// settleScript releases ownership of a delivery and stores its next record in
// one step. It refuses when the lease no longer matches. A non-empty ARGV[5]
// additionally requires the visibility deadline to have passed.
//
// KEYS: processing, leases, tasks, target
// ARGV: id, lease, task json, target score, expiry cutoff
var settleScript = redis.NewScript(`
local id = ARGV[1]
if redis.call('HGET', KEYS[2], id) ~= ARGV[2] then
  return 0
end
if ARGV[5] ~= '' then
  local deadline = redis.call('ZSCORE', KEYS[1], id)
  if not deadline or tonumber(deadline) > tonumber(ARGV[5]) then
    return 0
  end
end
redis.call('ZREM', KEYS[1], id)
redis.call('HDEL', KEYS[2], id)
redis.call('HSET', KEYS[3], id, ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], id)
return 1
`)

// purgeScript drops finished tasks older than the cutoff.
//
// KEYS: done, tasks
// ARGV: cutoff
var purgeScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('HDEL', KEYS[2], id)
end
if #ids > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
return #ids
`)
