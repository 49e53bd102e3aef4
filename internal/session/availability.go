package session

import (
	"fmt"
	"strconv"
	"strings"
)

// Window is an expert's fixed working window for one day.
type Window struct {
	Start       string // HH:MM
	End         string // HH:MM
	SlotMinutes int
}

// Availability is the ordered set of open start times for a day.
type Availability struct {
	Slots []string
	Count int
}

// NormalizeClock canonicalizes a clock string to HH:MM so that "9:00" and
// "09:00" compare equal. Unparseable input is returned unchanged; membership
// checks are exact-match on the normalized form.
func NormalizeClock(t string) string {
	parts := strings.SplitN(strings.TrimSpace(t), ":", 2)
	if len(parts) != 2 {
		return t
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return t
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return t
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

func clockToMinutes(t string) (int, bool) {
	parts := strings.SplitN(t, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return h*60 + m, true
}

func minutesToClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// ComputeAvailability generates the slot grid for the window and subtracts
// booked and disabled start times. Pure and safe for concurrent use. A booked
// time that does not land on a slot boundary excludes nothing: comparison is
// exact-match on the normalized string, not interval overlap.
func ComputeAvailability(w Window, booked, disabled []string) Availability {
	start, okStart := clockToMinutes(NormalizeClock(w.Start))
	end, okEnd := clockToMinutes(NormalizeClock(w.End))
	if !okStart || !okEnd || w.SlotMinutes <= 0 || start >= end {
		return Availability{Slots: []string{}}
	}

	taken := make(map[string]struct{}, len(booked)+len(disabled))
	for _, t := range booked {
		taken[NormalizeClock(t)] = struct{}{}
	}
	for _, t := range disabled {
		taken[NormalizeClock(t)] = struct{}{}
	}

	var slots []string
	for at := start; at+w.SlotMinutes <= end; at += w.SlotMinutes {
		slot := minutesToClock(at)
		if _, ok := taken[slot]; ok {
			continue
		}
		slots = append(slots, slot)
	}

	if slots == nil {
		slots = []string{}
	}
	return Availability{Slots: slots, Count: len(slots)}
}

// OnGrid reports whether t is one of the window's slot boundaries.
func OnGrid(w Window, t string) bool {
	start, okStart := clockToMinutes(NormalizeClock(w.Start))
	end, okEnd := clockToMinutes(NormalizeClock(w.End))
	if !okStart || !okEnd || w.SlotMinutes <= 0 {
		return false
	}
	at, ok := clockToMinutes(NormalizeClock(t))
	if !ok {
		return false
	}
	if at < start || at+w.SlotMinutes > end {
		return false
	}
	return (at-start)%w.SlotMinutes == 0
}
