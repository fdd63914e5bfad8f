package provider

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type fixturesEnvelope struct {
	Errors   any           `json:"errors"`
	Results  int           `json:"results"`
	Response []fixtureItem `json:"response"`
}

type fixtureItem struct {
	Fixture struct {
		ID     int64  `json:"id"`
		Date   string `json:"date"`
		Status struct {
			Short   string `json:"short"`
			Elapsed *int   `json:"elapsed"`
		} `json:"status"`
	} `json:"fixture"`
	League struct {
		ID     int64  `json:"id"`
		Season int    `json:"season"`
		Round  string `json:"round"`
	} `json:"league"`
	Teams struct {
		Home teamItem `json:"home"`
		Away teamItem `json:"away"`
	} `json:"teams"`
	Goals struct {
		Home *int `json:"home"`
		Away *int `json:"away"`
	} `json:"goals"`
}

type teamItem struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// errorMessage flattens the provider's errors field, which is an empty list on success
// and an object keyed by field on failure
func (e fixturesEnvelope) errorMessage() string {
	switch v := e.Errors.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", k, v[k]))
		}
		return strings.Join(parts, "; ")
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, "; ")
	default:
		return ""
	}
}

func (e fixturesEnvelope) normalize() []Fixture {
	out := make([]Fixture, 0, len(e.Response))
	for _, item := range e.Response {
		if item.Fixture.ID <= 0 {
			continue
		}
		out = append(out, Fixture{
			ProviderID:  item.Fixture.ID,
			LeagueID:    item.League.ID,
			Season:      item.League.Season,
			Round:       item.League.Round,
			HomeTeamID:  item.Teams.Home.ID,
			AwayTeamID:  item.Teams.Away.ID,
			HomeTeam:    item.Teams.Home.Name,
			AwayTeam:    item.Teams.Away.Name,
			KickoffAt:   parseKickoff(item.Fixture.Date),
			ShortStatus: item.Fixture.Status.Short,
			Status:      MapStatus(item.Fixture.Status.Short),
			Elapsed:     item.Fixture.Status.Elapsed,
			HomeScore:   item.Goals.Home,
			AwayScore:   item.Goals.Away,
		})
	}
	return out
}

func parseKickoff(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC()
	}
	return time.Time{}
}

// Gameweek extracts the trailing round number from labels like "Regular Season - 12"
func Gameweek(round string) int {
	idx := strings.LastIndexAny(round, " -")
	n, err := strconv.Atoi(strings.TrimSpace(round[idx+1:]))
	if err != nil {
		return 0
	}
	return n
}
