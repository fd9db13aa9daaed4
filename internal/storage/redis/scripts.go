package redis

const (
	// resetAnchorScript atomically replaces the TV timer anchor with
	// max(now, previous) and returns {previous, next}
	resetAnchorScript = `
local prefs_key = KEYS[1]       -- {namespace}:tv_prefs

local field = ARGV[1]           -- tv_timer_start_ms
local now = tonumber(ARGV[2])

local raw = redis.call('HGET', prefs_key, field)
local prev = 0
if raw then
  prev = tonumber(raw) or 0
end

-- Never move the anchor backwards
if prev > now then
  return {prev, prev}
end

redis.call('HSET', prefs_key, field, ARGV[2])
return {prev, now}
`

	// startIfUnsetScript anchors the timer only when it is unset or zero and
	// returns {started, anchor}
	startIfUnsetScript = `
local prefs_key = KEYS[1]

local field = ARGV[1]
local now = tonumber(ARGV[2])

local raw = redis.call('HGET', prefs_key, field)
local current = 0
if raw then
  current = tonumber(raw) or 0
end

if current > 0 then
  return {0, current}
end

redis.call('HSET', prefs_key, field, ARGV[2])
return {1, now}
`

	// takePendingScript reads and clears the pending uptime marker in one step
	takePendingScript = `
local prefs_key = KEYS[1]

local values = redis.call('HMGET', prefs_key, ARGV[1], ARGV[2], ARGV[3])
redis.call('HDEL', prefs_key, ARGV[1], ARGV[2], ARGV[3])

return values
`

	// compareAndSwapScript sets an integer field only when it holds the
	// expected value; a missing field compares equal to 0
	compareAndSwapScript = `
local prefs_key = KEYS[1]

local field = ARGV[1]
local expected = tonumber(ARGV[2])

local raw = redis.call('HGET', prefs_key, field)
local current = 0
if raw then
  current = tonumber(raw) or 0
end

if current ~= expected then
  return 0
end

redis.call('HSET', prefs_key, field, ARGV[3])
return 1
`
)
