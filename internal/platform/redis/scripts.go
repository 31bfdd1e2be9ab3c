package redis

import goredis "github.com/redis/go-redis/v9"

// Lease-guarded scripts return -1 when the task is not leased (or gone) and
// -2 when another worker holds the lease.
const leaseCheck = `
local state = redis.call('HGET', KEYS[1], 'state')
if not state or state ~= 'leased' then return -1 end
if redis.call('HGET', KEYS[1], 'lease_owner') ~= ARGV[1] then return -2 end
`

// KEYS: task, ready. ARGV: id, available_at, field/value pairs...
var enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: ready, leased. ARGV: now, worker, deadline, task key prefix.
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then return false end
local id = ids[1]
local key = ARGV[4] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[3], id)
redis.call('HSET', key, 'state', 'leased', 'lease_owner', ARGV[2], 'lease_deadline', ARGV[3])
redis.call('HINCRBY', key, 'attempts', 1)
return redis.call('HGETALL', key)
`)

// KEYS: task, leased. ARGV: worker, id, deadline.
var extendScript = goredis.NewScript(leaseCheck + `
redis.call('HSET', KEYS[1], 'lease_deadline', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
return tonumber(redis.call('HGET', KEYS[1], 'cancel_requested') or '0') + 1
`)

// KEYS: task, leased. ARGV: worker, id.
var ackScript = goredis.NewScript(leaseCheck + `
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// KEYS: task, leased, ready. ARGV: worker, id, requeue, available_at.
var nackScript = goredis.NewScript(leaseCheck + `
redis.call('ZREM', KEYS[2], ARGV[2])
if ARGV[3] ~= '1' then
  redis.call('DEL', KEYS[1])
  return 1
end
redis.call('HSET', KEYS[1], 'state', 'pending', 'available_at', ARGV[4], 'lease_owner', '', 'lease_deadline', '0')
redis.call('HINCRBY', KEYS[1], 'retry_count', 1)
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
return 1
`)

// KEYS: task, ready. ARGV: id. Returns 1 removed, 2 flagged, -1 unknown.
var cancelScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state == 'pending' then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[1])
  return 1
end
redis.call('HSET', KEYS[1], 'cancel_requested', '1')
return 2
`)

// KEYS: leased, ready. ARGV: now, task key prefix.
var reclaimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local reclaimed = 0
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('HGET', key, 'state') == 'leased' then
    local available = redis.call('HGET', key, 'available_at') or ARGV[1]
    redis.call('HSET', key, 'state', 'pending', 'lease_owner', '', 'lease_deadline', '0')
    redis.call('ZADD', KEYS[2], available, id)
    reclaimed = reclaimed + 1
  end
end
return reclaimed
`)

// KEYS: result. ARGV: state, data, ttl ms. Returns 0 when the stored record is terminal.
var recordScript = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'state')
if current == 'succeeded' or current == 'abandoned' or current == 'cancelled' then return 0 end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'data', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 and (ARGV[1] == 'succeeded' or ARGV[1] == 'abandoned' or ARGV[1] == 'cancelled') then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)
