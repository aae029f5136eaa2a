package reminder

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"carelink-realtime/pkg/models"
)

// Schedule maps a medication name to its sorted, distinct HH:MM times.
type Schedule map[string][]string

// BuildSchedule merges duplicate medication rows. Invalid times and blank
// names are dropped.
func BuildSchedule(entries []models.MedicationEntry) Schedule {
	sets := make(map[string]map[string]struct{})
	for _, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		for _, raw := range e.Times {
			t, ok := NormalizeTime(raw)
			if !ok {
				continue
			}
			if sets[name] == nil {
				sets[name] = make(map[string]struct{})
			}
			sets[name][t] = struct{}{}
		}
	}

	s := make(Schedule, len(sets))
	for name, set := range sets {
		times := make([]string, 0, len(set))
		for t := range set {
			times = append(times, t)
		}
		sort.Strings(times)
		s[name] = times
	}
	return s
}

// NormalizeTime turns "8:00", "08:00" or "08:00:00" into "08:00".
func NormalizeTime(raw string) (string, bool) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return "", false
	}

	hour, errH := strconv.Atoi(parts[0])
	min, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || hour < 0 || hour > 23 || min < 0 || min > 59 || len(parts[1]) != 2 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", hour, min), true
}

// Due returns the medications scheduled at clock, sorted by name.
func (s Schedule) Due(clock string) []string {
	var names []string
	for name, times := range s {
		i := sort.SearchStrings(times, clock)
		if i < len(times) && times[i] == clock {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Entries counts (medication, time) pairs.
func (s Schedule) Entries() int {
	n := 0
	for _, times := range s {
		n += len(times)
	}
	return n
}
