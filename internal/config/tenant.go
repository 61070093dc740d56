package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DestinationKind classifies a transfer destination.
type DestinationKind string

const (
	DestExtension DestinationKind = "extension"
	DestRingGroup DestinationKind = "ring_group"
	DestQueue     DestinationKind = "queue"
	DestExternal  DestinationKind = "external"
	DestVoicemail DestinationKind = "voicemail"
	DestDept      DestinationKind = "department"
)

// SecretaryConfig is the per-tenant agent definition fetched from the store.
type SecretaryConfig struct {
	TenantID    string `json:"tenant_id"`
	SecretaryID string `json:"secretary_id"`
	DisplayName string `json:"display_name"`

	Prompt             string `json:"prompt"`
	Greeting           string `json:"greeting"`
	Farewell           string `json:"farewell"`
	OutOfHoursGreeting string `json:"out_of_hours_greeting"`
	BusinessInfo       string `json:"business_info"`

	// Provider is the primary provider name; Fallbacks are tried in order
	// when the primary fails with a transient error.
	Provider  string   `json:"provider"`
	Fallbacks []string `json:"fallbacks"`

	Voice    string `json:"voice"`
	Language string `json:"language"`

	// VAD tuning. Zero values fall back to driver defaults.
	VADThreshold    float64 `json:"vad_threshold"`
	VADSilenceMs    int     `json:"vad_silence_ms"`
	VADPrefixMs     int     `json:"vad_prefix_ms"`
	MaxOutputTokens int     `json:"max_output_tokens"`

	MaxTurns    int           `json:"max_turns"`
	MaxDuration time.Duration `json:"max_duration"`
	BargeIn     bool          `json:"barge_in"`

	// MessageHangupDelay overrides the service default when positive.
	MessageHangupDelay time.Duration `json:"message_hangup_delay"`

	// WebhookURL overrides the service-wide webhook for this tenant.
	WebhookURL string `json:"webhook_url"`
}

// ProviderCredentials are per-tenant provider credentials.
type ProviderCredentials struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	AgentID  string `json:"agent_id"`
	BaseURL  string `json:"base_url"`
}

// TransferRules is the tenant's transfer policy.
type TransferRules struct {
	// Announced selects attended (announce-then-bridge) transfers; false
	// means blind transfer.
	Announced bool `json:"announced"`

	Destinations []TransferDestination `json:"destinations"`
}

// TransferDestination is one dialable target.
type TransferDestination struct {
	Kind    DestinationKind `json:"kind"`
	Name    string          `json:"name"`
	Number  string          `json:"number"`
	Context string          `json:"context"`

	// Aliases are alternative spoken names resolved by fuzzy match.
	Aliases []string `json:"aliases"`

	// Hours, when set, gates this destination independently of the
	// tenant-wide time condition.
	Hours *TimeCondition `json:"hours"`

	// FallbackAction is taken when the destination is closed or rejects:
	// "voicemail", "message", or "end".
	FallbackAction string `json:"fallback_action"`

	Priority  int  `json:"priority"`
	IsDefault bool `json:"is_default"`
}

// TimeRange is one daily opening window, "HH:MM" inclusive start,
// exclusive end.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// TimeCondition describes business hours. Two shapes are supported: the
// flat shape (Start/End/Days) applies one window to a set of weekdays; the
// Schedule shape maps weekday names to per-day window lists. When both are
// present, Schedule wins.
type TimeCondition struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Days     []int  `json:"days"` // 0=Sunday … 6=Saturday
	Timezone string `json:"timezone"`

	Schedule map[string][]TimeRange `json:"schedule"`

	// ClosedMessage is spoken to callers outside opening hours.
	ClosedMessage string `json:"closed_message"`
}

// Evaluate reports whether the condition is open at the given instant, the
// user-facing closed message, and the next opening time in the condition's
// timezone. A condition with no windows at all is always open.
func (tc *TimeCondition) Evaluate(at time.Time) (open bool, message string, nextOpen time.Time) {
	ranges := tc.ranges()
	if len(ranges) == 0 {
		return true, "", time.Time{}
	}

	loc := tc.location()
	local := at.In(loc)
	minutes := local.Hour()*60 + local.Minute()

	for _, r := range ranges[local.Weekday()] {
		s, e, err := r.minutes()
		if err != nil {
			continue
		}
		if minutes >= s && minutes < e {
			return true, "", time.Time{}
		}
	}

	// Closed: find the earliest window start within the next week.
	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		for _, r := range ranges[day.Weekday()] {
			s, _, err := r.minutes()
			if err != nil {
				continue
			}
			if offset == 0 && s <= minutes {
				continue
			}
			candidate := time.Date(day.Year(), day.Month(), day.Day(), s/60, s%60, 0, 0, loc)
			if nextOpen.IsZero() || candidate.Before(nextOpen) {
				nextOpen = candidate
			}
		}
		if !nextOpen.IsZero() {
			break
		}
	}
	return false, tc.ClosedMessage, nextOpen
}

func (tc *TimeCondition) location() *time.Location {
	if tc.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tc.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ranges normalises both schedule shapes to windows per weekday.
func (tc *TimeCondition) ranges() map[time.Weekday][]TimeRange {
	out := make(map[time.Weekday][]TimeRange)

	if len(tc.Schedule) > 0 {
		for name, windows := range tc.Schedule {
			wd, ok := weekdayByName(name)
			if !ok {
				continue
			}
			out[wd] = append(out[wd], windows...)
		}
		return out
	}

	if tc.Start == "" || tc.End == "" {
		return out
	}
	for _, d := range tc.Days {
		if d < 0 || d > 6 {
			continue
		}
		wd := time.Weekday(d)
		out[wd] = append(out[wd], TimeRange{Start: tc.Start, End: tc.End})
	}
	return out
}

func (r TimeRange) minutes() (start, end int, err error) {
	start, err = parseHHMM(r.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err = parseHHMM(r.End)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseHHMM(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("config: time %q is not HH:MM", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("config: time %q has invalid hour", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("config: time %q has invalid minute", s)
	}
	return hh*60 + mm, nil
}

func weekdayByName(name string) (time.Weekday, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sunday", "sun":
		return time.Sunday, true
	case "monday", "mon":
		return time.Monday, true
	case "tuesday", "tue":
		return time.Tuesday, true
	case "wednesday", "wed":
		return time.Wednesday, true
	case "thursday", "thu":
		return time.Thursday, true
	case "friday", "fri":
		return time.Friday, true
	case "saturday", "sat":
		return time.Saturday, true
	}
	return 0, false
}
