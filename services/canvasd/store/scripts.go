package store

import "github.com/redis/go-redis/v9"

// commitScript applies an accepted placement: version compare-and-set, cell
// write, history append, persistence enqueue and balance cache invalidation
// execute as one unit.
//
// KEYS: versions, pixels, history, pixel queue, placer balance cache
// ARGV: cell, observed version, pixel json, history score, history json
// Returns {1, new version, queue depth} or {0, current version, current pixel json}.
var commitScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local observed = tonumber(ARGV[2])
if current ~= observed then
  local pixel = redis.call('HGET', KEYS[2], ARGV[1])
  if not pixel then
    pixel = ''
  end
  return {0, current, pixel}
end
local nextVersion = observed + 1
redis.call('HSET', KEYS[1], ARGV[1], nextVersion)
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[5])
local depth = redis.call('RPUSH', KEYS[4], ARGV[3])
redis.call('DEL', KEYS[5])
return {1, nextVersion, depth}
`)

// cooldownScript reads the last placement time, compares it with the
// caller's current cooldown and records now when allowed.
//
// KEYS: cooldown key
// ARGV: now ms, cooldown ms, key ttl ms
// Returns {1, 0} when allowed or {0, remaining ms}.
var cooldownScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
local raw = redis.call('GET', KEYS[1])
if raw then
  local last = tonumber(raw)
  if last and now - last < cooldown then
    return {0, cooldown - (now - last)}
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return {1, 0}
`)

// releaseScript deletes a lease only while it is still held by token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
