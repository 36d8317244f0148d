package scheduling

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/careflow/scheduling-core/internal/slot"
)

type SuggestRequest struct {
	PatientID      uuid.UUID
	Type           AppointmentType
	Priority       Priority
	Specialization string // optional provider specialty filter
	From           time.Time
	To             time.Time
}

// Suggestion is a ranked candidate slot. GapScore is the idle time that
// would remain adjacent to the slot on the provider's day if it were
// booked; lower means tighter packing.
type Suggestion struct {
	Slot            slot.Slot
	GapScore        time.Duration
	PriorityBooking bool
}

// SuggestSlots ranks open slots for the request. Results are recomputed per
// call since availability changes between calls.
//
// Emergency requests get the single earliest qualifying slot across all
// providers, ties broken by the provider with the shortest active queue.
// Everything else is ranked by gap score, ties by earliest start, then by
// lightest provider day workload.
func (s *Service) SuggestSlots(ctx context.Context, req SuggestRequest) ([]Suggestion, error) {
	now := s.now()
	from := req.From
	if from.IsZero() || from.Before(now) {
		from = now
	}
	to := req.To
	if to.IsZero() {
		to = from.Add(7 * 24 * time.Hour)
	}

	open, err := s.slots.QueryOpen(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("query open slots: %w", err)
	}

	required := req.Type.Duration()

	specialtyOK, err := s.specialtyFilter(ctx, req.Specialization)
	if err != nil {
		return nil, err
	}

	var candidates []slot.Slot
	for _, c := range open {
		if c.Start.Before(now) || c.Duration() < required {
			continue
		}
		if !specialtyOK(c.ProviderID) {
			continue
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	if req.Priority == PriorityEmergency {
		best, err := s.earliestByQueueDepth(ctx, candidates)
		if err != nil {
			return nil, err
		}
		return []Suggestion{{Slot: *best, PriorityBooking: true}}, nil
	}

	return s.rankByGapScore(ctx, candidates)
}

// specialtyFilter returns a provider predicate for the given hint. An empty
// hint admits every provider.
func (s *Service) specialtyFilter(ctx context.Context, hint string) (func(uuid.UUID) bool, error) {
	if hint == "" {
		return func(uuid.UUID) bool { return true }, nil
	}

	providers, err := s.repo.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	matching := make(map[uuid.UUID]bool, len(providers))
	for _, p := range providers {
		if p.Specialty != nil && strings.EqualFold(*p.Specialty, hint) {
			matching[p.ID] = true
		}
	}

	return func(id uuid.UUID) bool { return matching[id] }, nil
}

// earliestByQueueDepth picks the earliest candidate; among same-start
// candidates the provider with the shortest active queue wins.
func (s *Service) earliestByQueueDepth(ctx context.Context, candidates []slot.Slot) (*slot.Slot, error) {
	earliest := candidates[0].Start
	for _, c := range candidates[1:] {
		if c.Start.Before(earliest) {
			earliest = c.Start
		}
	}

	var best *slot.Slot
	bestDepth := -1
	for i := range candidates {
		c := &candidates[i]
		if !c.Start.Equal(earliest) {
			continue
		}
		depth := 0
		if s.queues != nil {
			d, err := s.queues.Len(ctx, c.ProviderID)
			if err != nil {
				return nil, fmt.Errorf("queue depth for %s: %w", c.ProviderID, err)
			}
			depth = d
		}
		if best == nil || depth < bestDepth {
			best = c
			bestDepth = depth
		}
	}

	return best, nil
}

func (s *Service) rankByGapScore(ctx context.Context, candidates []slot.Slot) ([]Suggestion, error) {
	type dayKey struct {
		provider uuid.UUID
		day      string
	}

	// One snapshot of the provider's day per (provider, day) pair.
	days := make(map[dayKey][]slot.Slot)
	for _, c := range candidates {
		k := dayKey{provider: c.ProviderID, day: c.Start.Format("2006-01-02")}
		if _, ok := days[k]; ok {
			continue
		}
		dayStart := c.Start.Truncate(24 * time.Hour)
		daySlots, err := s.slots.Query(ctx, c.ProviderID, dayStart, dayStart.Add(24*time.Hour))
		if err != nil {
			return nil, fmt.Errorf("query provider day: %w", err)
		}
		days[k] = daySlots
	}

	suggestions := make([]Suggestion, 0, len(candidates))
	workload := make(map[dayKey]int)
	for _, c := range candidates {
		k := dayKey{provider: c.ProviderID, day: c.Start.Format("2006-01-02")}
		daySlots := days[k]

		if _, ok := workload[k]; !ok {
			busy := 0
			for _, ds := range daySlots {
				if ds.State != slot.StateOpen {
					busy++
				}
			}
			workload[k] = busy
		}

		suggestions = append(suggestions, Suggestion{
			Slot:     c,
			GapScore: gapScore(c, daySlots),
		})
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		a, b := suggestions[i], suggestions[j]
		if a.GapScore != b.GapScore {
			return a.GapScore < b.GapScore
		}
		if !a.Slot.Start.Equal(b.Slot.Start) {
			return a.Slot.Start.Before(b.Slot.Start)
		}
		ka := dayKey{provider: a.Slot.ProviderID, day: a.Slot.Start.Format("2006-01-02")}
		kb := dayKey{provider: b.Slot.ProviderID, day: b.Slot.Start.Format("2006-01-02")}
		return workload[ka] < workload[kb]
	})

	return suggestions, nil
}

// gapScore sums the idle time immediately before and after the candidate on
// its provider's day, assuming the candidate gets booked. The day's extent
// is bounded by the provider's first and last slot of that day, so an
// isolated afternoon slot scores its full morning-side gap.
func gapScore(candidate slot.Slot, daySlots []slot.Slot) time.Duration {
	dayStart := candidate.Start
	dayEnd := candidate.End

	var busy []slot.Slot
	for _, ds := range daySlots {
		if ds.Start.Before(dayStart) {
			dayStart = ds.Start
		}
		if ds.End.After(dayEnd) {
			dayEnd = ds.End
		}
		if ds.State == slot.StateOpen {
			continue
		}
		busy = append(busy, ds)
	}

	idleBefore := candidate.Start.Sub(dayStart)
	idleAfter := dayEnd.Sub(candidate.End)

	for _, b := range busy {
		if !b.End.After(candidate.Start) {
			if gap := candidate.Start.Sub(b.End); gap < idleBefore {
				idleBefore = gap
			}
		}
		if !b.Start.Before(candidate.End) {
			if gap := b.Start.Sub(candidate.End); gap < idleAfter {
				idleAfter = gap
			}
		}
	}

	if idleBefore < 0 {
		idleBefore = 0
	}
	if idleAfter < 0 {
		idleAfter = 0
	}

	return idleBefore + idleAfter
}
