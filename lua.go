package tailstream

const (
	luaAppendRecords = `
		-- Atomically append records to a stream and to the global log
		-- KEYS[1] = global log list key
		-- KEYS[2] = stream list key
		-- ARGV[1..N] = record data (JSON)
		-- Global entries are "<version>:<json>", stream entries hold the
		-- global position of each record
		-- Returns: {firstPosition, firstVersion}

		local pos = redis.call('LLEN', KEYS[1])
		local ver = redis.call('LLEN', KEYS[2])
		local firstPos, firstVer = pos, ver

		for i = 1, #ARGV do
			redis.call('RPUSH', KEYS[1], string.format('%d', ver) .. ':' .. ARGV[i])
			redis.call('RPUSH', KEYS[2], string.format('%d', pos))
			pos = pos + 1
			ver = ver + 1
		end

		return {firstPos, firstVer}
		`

	luaReadAll = `
		-- Read a page of the global log
		-- KEYS[1] = global log list key
		-- ARGV[1] = starting position (0-based)
		-- ARGV[2] = maximum number of entries
		-- Returns: {length, entries}

		local from = tonumber(ARGV[1])
		local count = tonumber(ARGV[2])
		local total = redis.call('LLEN', KEYS[1])
		local entries = redis.call('LRANGE', KEYS[1], from, from + count - 1)
		return {total, entries}
		`

	luaReadStream = `
		-- Read a page of a single stream, resolving each entry through the
		-- global log
		-- KEYS[1] = stream list key
		-- KEYS[2] = global log list key
		-- ARGV[1] = starting version (0-based)
		-- ARGV[2] = maximum number of entries
		-- Returns: {length, positions, entries}

		local from = tonumber(ARGV[1])
		local count = tonumber(ARGV[2])
		local total = redis.call('LLEN', KEYS[1])
		local positions = redis.call('LRANGE', KEYS[1], from, from + count - 1)
		local entries = {}
		for i, pos in ipairs(positions) do
			entries[i] = redis.call('LINDEX', KEYS[2], pos)
		end
		return {total, positions, entries}
		`
)
