package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the classic five-field form only: minute, hour,
// day-of-month, month, day-of-week. No seconds field, no descriptors.
var cronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// parseCronUTC parses a five-field cron expression. Schedules always
// evaluate in UTC, so the CRON_TZ= and TZ= prefixes the upstream parser
// would honor are rejected outright.
func parseCronUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	if strings.HasPrefix(clean, "CRON_TZ=") || strings.HasPrefix(clean, "TZ=") {
		return nil, fmt.Errorf("cron schedules run in UTC; timezone prefixes are not supported")
	}

	schedule, err := cronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", clean, err)
	}
	return schedule, nil
}

// nextCronRunUTC computes the first activation strictly after now, in
// UTC.
func nextCronRunUTC(expr string, now time.Time) (time.Time, error) {
	schedule, err := parseCronUTC(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now.UTC()), nil
}
