package realtime

import "slices"

// Subscription narrows the events a client receives. The zero value
// matches everything.
type Subscription struct {
	AllEvents  bool        `json:"all_events"`
	EventTypes []EventType `json:"event_types"`
	PersonaIDs []string    `json:"persona_ids"`
	// Bands matches score and completed-run events by risk band label.
	Bands []string `json:"bands"`
	// MinScore drops score.computed events below it; other events pass.
	MinScore int `json:"min_score"`
}

// Matches reports whether ev passes every filter set on s.
func (s Subscription) Matches(ev *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.PersonaIDs) > 0 && !slices.Contains(s.PersonaIDs, ev.PersonaID) {
		return false
	}
	if len(s.Bands) > 0 && !slices.Contains(s.Bands, ev.Band) {
		return false
	}
	if s.MinScore > 0 && ev.Type == EventScoreComputed && ev.Score != nil && *ev.Score < s.MinScore {
		return false
	}
	return true
}
