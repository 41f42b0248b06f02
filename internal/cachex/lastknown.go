// Package cachex fronts the last_known_location table with Redis, using
// the same client construction, key-prefixing, and Lua-script pattern
// ("set_if_higher") used elsewhere in this codebase for monotonic
// counters, generalized here to compare device timestamps as strings
// rather than parsing numeric ARGV. No zone conversion or epoch
// arithmetic is introduced by this comparison — it is the same
// byte-for-byte ordering tstamp.Compare already defines.
package cachex

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetwatch/telemetry/internal/model"
	"github.com/fleetwatch/telemetry/internal/tstamp"
)

const keyPrefix = "telemetry:lastloc:"

// setIfNewerScript atomically compares the stored device_ts against the
// candidate and only overwrites the hash when the candidate is strictly
// newer by string comparison, so a concurrent stale write never clobbers
// a fresher one (the same race the Last-Known Location projection must
// resist when many ingest goroutines race for the same device).
var setIfNewerScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'device_ts')
if current and current >= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1],
	'device_ts', ARGV[1],
	'lat', ARGV[2],
	'lon', ARGV[3],
	'speed', ARGV[4],
	'course', ARGV[5],
	'ignition', ARGV[6],
	'vehicle_status', ARGV[7],
	'panic', ARGV[8],
	'updated_at', ARGV[9])
return 1
`)

// Cache is the Redis-backed projection of the Last-Known Location
// entity, keyed by device_id for O(1) reads.
type Cache struct {
	client *redis.Client
}

// New wraps an already-constructed redis.Client.
func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// SetIfNewer writes loc only if no prior value is cached for loc.DeviceID
// or the cached device_ts is strictly older: the projection updates only
// when the incoming LIVE report is newer. It reports whether the write
// happened.
func (c *Cache) SetIfNewer(ctx context.Context, loc model.LastKnownLocation) (bool, error) {
	key := keyPrefix + loc.DeviceID
	res, err := setIfNewerScript.Run(ctx, c.client, []string{key},
		loc.DeviceTS.String(),
		strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		strconv.FormatFloat(loc.Lon, 'f', -1, 64),
		strconv.FormatFloat(loc.Speed, 'f', -1, 64),
		loc.Course,
		string(loc.Ignition),
		string(loc.VehicleStatus),
		strconv.FormatBool(loc.Panic),
		loc.UpdatedAt.String(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("cachex: set-if-newer for %s: %w", loc.DeviceID, err)
	}
	return res == 1, nil
}

// Get returns the cached projection for deviceID, or ok=false if nothing
// is cached (a cold cache — the caller should fall back to the
// last_known_location table).
func (c *Cache) Get(ctx context.Context, deviceID string) (model.LastKnownLocation, bool, error) {
	key := keyPrefix + deviceID
	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return model.LastKnownLocation{}, false, fmt.Errorf("cachex: get %s: %w", deviceID, err)
	}
	if len(fields) == 0 {
		return model.LastKnownLocation{}, false, nil
	}

	ts, err := tstamp.Parse(fields["device_ts"])
	if err != nil {
		return model.LastKnownLocation{}, false, fmt.Errorf("cachex: corrupt cached device_ts for %s: %w", deviceID, err)
	}
	updatedAt, _ := tstamp.Parse(fields["updated_at"])
	lat, _ := strconv.ParseFloat(fields["lat"], 64)
	lon, _ := strconv.ParseFloat(fields["lon"], 64)
	speed, _ := strconv.ParseFloat(fields["speed"], 64)
	panic, _ := strconv.ParseBool(fields["panic"])

	return model.LastKnownLocation{
		DeviceID:      deviceID,
		DeviceTS:      ts,
		Lat:           lat,
		Lon:           lon,
		Speed:         speed,
		Course:        fields["course"],
		Ignition:      model.Ignition(fields["ignition"]),
		VehicleStatus: model.VehicleStatus(fields["vehicle_status"]),
		Panic:         panic,
		UpdatedAt:     updatedAt,
	}, true, nil
}

// Warm preloads the cache from a slice of rows read from
// last_known_location at startup, so a cold Redis instance doesn't serve
// misses for every device until its next LIVE report. Mirrors the
// teacher's cache/warmup.go bulk-load pattern, trimmed to this single
// table.
func (c *Cache) Warm(ctx context.Context, rows []model.LastKnownLocation) error {
	pipe := c.client.Pipeline()
	for _, r := range rows {
		key := keyPrefix + r.DeviceID
		pipe.HSet(ctx, key,
			"device_ts", r.DeviceTS.String(),
			"lat", strconv.FormatFloat(r.Lat, 'f', -1, 64),
			"lon", strconv.FormatFloat(r.Lon, 'f', -1, 64),
			"speed", strconv.FormatFloat(r.Speed, 'f', -1, 64),
			"course", r.Course,
			"ignition", string(r.Ignition),
			"vehicle_status", string(r.VehicleStatus),
			"panic", strconv.FormatBool(r.Panic),
			"updated_at", r.UpdatedAt.String(),
		)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cachex: warming cache: %w", err)
	}
	return nil
}

// pingTimeout bounds the startup connectivity check performed by callers
// wiring this cache into cmd/server.
const pingTimeout = 5 * time.Second

// Ping verifies connectivity, used at startup before serving traffic.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}
