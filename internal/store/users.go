package store

import (
	"context"
	"database/sql"
	"strings"
)

// locationTimezones maps coarse location keywords to IANA timezones.
// Derivation happens on write so reads never guess.
var locationTimezones = map[string]string{
	"amsterdam":     "Europe/Amsterdam",
	"berlin":        "Europe/Berlin",
	"london":        "Europe/London",
	"paris":         "Europe/Paris",
	"madrid":        "Europe/Madrid",
	"rome":          "Europe/Rome",
	"new york":      "America/New_York",
	"boston":        "America/New_York",
	"chicago":       "America/Chicago",
	"denver":        "America/Denver",
	"los angeles":   "America/Los_Angeles",
	"san francisco": "America/Los_Angeles",
	"seattle":       "America/Los_Angeles",
	"tokyo":         "Asia/Tokyo",
	"sydney":        "Australia/Sydney",
	"singapore":     "Asia/Singapore",
	"hong kong":     "Asia/Hong_Kong",
	"shanghai":      "Asia/Shanghai",
	"beijing":       "Asia/Shanghai",
}

// TimezoneForLocation returns the IANA timezone for a location string,
// or UTC when the location is unknown.
func TimezoneForLocation(location string) string {
	needle := strings.ToLower(strings.TrimSpace(location))
	if tz, ok := locationTimezones[needle]; ok {
		return tz
	}
	for keyword, tz := range locationTimezones {
		if strings.Contains(needle, keyword) {
			return tz
		}
	}
	return "UTC"
}

// GetUserInfo returns a user's profile, or nil when none is stored.
func (s *Store) GetUserInfo(ctx context.Context, user string) (*UserInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user, name, location, timezone, date_of_birth FROM user_info WHERE user = ?`,
		user)
	var info UserInfo
	err := row.Scan(&info.User, &info.Name, &info.Location, &info.Timezone, &info.DateOfBirth)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// UpsertUserInfo writes a user's profile. Timezone is derived from the
// location when one is given.
func (s *Store) UpsertUserInfo(ctx context.Context, info UserInfo) error {
	if info.Location != "" {
		info.Timezone = TimezoneForLocation(info.Location)
	}
	if info.Timezone == "" {
		info.Timezone = "UTC"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_info (user, name, location, timezone, date_of_birth)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user) DO UPDATE SET
		   name = excluded.name,
		   location = excluded.location,
		   timezone = excluded.timezone,
		   date_of_birth = excluded.date_of_birth`,
		info.User, info.Name, info.Location, info.Timezone, info.DateOfBirth)
	return err
}
