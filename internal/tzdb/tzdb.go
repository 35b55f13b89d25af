// Package tzdb exposes the IANA timezone catalogue used by the API and the
// command router.
package tzdb

import (
	_ "embed"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"
)

//go:embed zones.txt
var zonesFile string

var (
	zonesOnce sync.Once
	zones     []string
)

// Zone is one catalogue row.
type Zone struct {
	ID          string `json:"id"`
	OffsetLabel string `json:"offset_label"`
	Favorite    bool   `json:"favorite"`
}

// Zones returns the sorted list of canonical zone identifiers.
func Zones() []string {
	zonesOnce.Do(func() {
		for _, line := range strings.Split(zonesFile, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			zones = append(zones, line)
		}
		sort.Strings(zones)
	})
	out := make([]string, len(zones))
	copy(out, zones)
	return out
}

// Valid reports whether id names a loadable IANA zone. "Local" and the empty
// string are rejected since the browser cannot resolve them.
func Valid(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" || id == "Local" {
		return false
	}
	_, err := time.LoadLocation(id)
	return err == nil
}

// OffsetLabel formats the zone's UTC offset at now in hours, e.g. "UTC+5.5",
// "UTC-7" or "UTC±0". Unknown zones yield "".
func OffsetLabel(id string, now time.Time) string {
	if !Valid(id) {
		return ""
	}
	loc, _ := time.LoadLocation(id)
	_, secs := now.In(loc).Zone()
	if secs == 0 {
		return "UTC±0"
	}
	hours := strconv.FormatFloat(float64(secs)/3600, 'f', -1, 64)
	if secs > 0 {
		return "UTC+" + hours
	}
	return "UTC" + hours
}

// Search filters the catalogue by a case-insensitive substring match where
// underscores and spaces are interchangeable. Favorites that match are listed
// first, in the order given.
func Search(query string, favorites []string, now time.Time) []Zone {
	needle := normalize(query)
	all := Zones()

	favSet := make(map[string]bool, len(favorites))
	for _, f := range favorites {
		favSet[f] = true
	}

	out := make([]Zone, 0, len(all))
	for _, f := range favorites {
		if Valid(f) && strings.Contains(normalize(f), needle) {
			out = append(out, Zone{ID: f, OffsetLabel: OffsetLabel(f, now), Favorite: true})
		}
	}
	for _, id := range all {
		if favSet[id] || !strings.Contains(normalize(id), needle) {
			continue
		}
		out = append(out, Zone{ID: id, OffsetLabel: OffsetLabel(id, now)})
	}
	return out
}

func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", " ")
}
