package models

import "time"

// Date-posted windows accepted on a subscription.
const (
	DatePostedToday = "today"
	DatePosted3Days = "3days"
	DatePostedWeek  = "week"
	DatePostedMonth = "month"
	DatePostedAll   = "all"
)

// HoursOld maps a date-posted window to the scraper's hours_old parameter.
// Returns 0 for "all" (the parameter is omitted).
func HoursOld(datePosted string) int {
	switch datePosted {
	case DatePostedToday:
		return 24
	case DatePosted3Days:
		return 72
	case DatePostedWeek:
		return 168
	case DatePostedMonth:
		return 720
	default:
		return 0
	}
}

// Job types a subscription can filter on.
const (
	JobTypeFulltime   = "fulltime"
	JobTypeParttime   = "parttime"
	JobTypeInternship = "internship"
	JobTypeContract   = "contract"
)

// Location types.
const (
	LocationPhysical = "physical"
	LocationRemote   = "remote"
)

// Location is one normalized search location on a subscription.
type Location struct {
	Display        string   `json:"display"`
	Type           string   `json:"type"` // "physical" or "remote"
	City           string   `json:"city,omitempty"`
	State          string   `json:"state,omitempty"`
	Country        string   `json:"country,omitempty"`
	SearchVariants []string `json:"search_variants,omitempty"`
}

// IsRemote returns true for a remote location entry.
func (l *Location) IsRemote() bool {
	return l.Type == LocationRemote
}

// Subscription is one saved search owned by a user.
type Subscription struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	JobTitles         []string   `json:"job_titles"`
	Locations         []Location `json:"normalized_locations"`
	JobTypes          []string   `json:"job_types"` // empty = all
	MinScore          int        `json:"min_score"`
	DatePosted        string     `json:"date_posted"`
	ExcludedTitles    []string   `json:"excluded_titles,omitempty"`
	ExcludedCompanies []string   `json:"excluded_companies,omitempty"`
	ResumeText        string     `json:"resume_text"`
	ResumeHash        string     `json:"resume_hash"`
	IsActive          bool       `json:"is_active"`
	IsPaused          bool       `json:"is_paused"`
	DebugMode         bool       `json:"debug_mode"`
	NextRunAt         time.Time  `json:"next_run_at"`
	LastSearchAt      time.Time  `json:"last_search_at"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Eligible reports whether the subscription may ever be scheduled.
func (s *Subscription) Eligible() bool {
	return s.IsActive && !s.IsPaused
}

// RemoteLocations returns the remote entries of the subscription.
func (s *Subscription) RemoteLocations() []Location {
	var out []Location
	for _, l := range s.Locations {
		if l.IsRemote() {
			out = append(out, l)
		}
	}
	return out
}

// PhysicalLocations returns the physical entries of the subscription.
func (s *Subscription) PhysicalLocations() []Location {
	var out []Location
	for _, l := range s.Locations {
		if !l.IsRemote() {
			out = append(out, l)
		}
	}
	return out
}

// RemoteCountry returns the shared country of all remote locations,
// or "" when they disagree or there are none.
func (s *Subscription) RemoteCountry() string {
	country := ""
	for _, l := range s.RemoteLocations() {
		if l.Country == "" {
			continue
		}
		if country == "" {
			country = l.Country
		} else if country != l.Country {
			return ""
		}
	}
	return country
}
