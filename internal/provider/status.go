package provider

import (
	"strings"

	"github.com/livescore-pipeline/internal/domain"
)

var shortStatuses = map[string]domain.FixtureStatus{
	"TBD":  domain.StatusScheduled,
	"NS":   domain.StatusScheduled,
	"1H":   domain.StatusLive,
	"HT":   domain.StatusLive,
	"2H":   domain.StatusLive,
	"ET":   domain.StatusLive,
	"BT":   domain.StatusLive,
	"P":    domain.StatusLive,
	"SUSP": domain.StatusLive,
	"INT":  domain.StatusLive,
	"LIVE": domain.StatusLive,
	"FT":   domain.StatusFinished,
	"AET":  domain.StatusFinished,
	"PEN":  domain.StatusFinished,
	"PST":  domain.StatusPostponed,
	"CANC": domain.StatusCancelled,
	"ABD":  domain.StatusCancelled,
	"AWD":  domain.StatusCancelled,
	"WO":   domain.StatusCancelled,
}

// MapStatus normalizes a provider short status code. Unknown codes map to SCHEDULED.
func MapStatus(short string) domain.FixtureStatus {
	if status, ok := shortStatuses[strings.ToUpper(strings.TrimSpace(short))]; ok {
		return status
	}
	return domain.StatusScheduled
}
