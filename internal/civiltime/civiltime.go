// Package civiltime pins every timestamp the relay emits to the Europe/Madrid civil zone.
package civiltime

import (
	"strings"
	"time"
	_ "time/tzdata" // containers often ship without a zoneinfo database
)

// ZoneName is the civil timezone of both providers.
const ZoneName = "Europe/Madrid"

// Zone is the loaded Europe/Madrid location.
var Zone = mustLoad(ZoneName)

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("civiltime: load " + name + ": " + err.Error())
	}
	return loc
}

// Now returns the current instant in Zone.
func Now() time.Time {
	return time.Now().In(Zone)
}

// Normalize converts t into Zone.
func Normalize(t time.Time) time.Time {
	return t.In(Zone)
}

// isoLayouts approximate the standard ISO-8601 profile: offset-aware
// variants first, then naive ones which are read as Zone wall-clock time.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// fallbackLayouts cover offsets written without a colon (+0100).
var fallbackLayouts = []string{
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.999999-0700",
}

// Parse reads an ISO-8601 timestamp. A value without an offset is
// assumed to already be Zone local time, never UTC. The result is in Zone.
func Parse(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, Zone); err == nil {
			return t.In(Zone), true
		}
	}
	for _, layout := range fallbackLayouts {
		if t, err := time.ParseInLocation(layout, s, Zone); err == nil {
			return t.In(Zone), true
		}
	}
	return time.Time{}, false
}

// Format renders t in Zone as ISO-8601 with offset.
func Format(t time.Time) string {
	return t.In(Zone).Format(time.RFC3339Nano)
}
