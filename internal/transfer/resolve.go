package transfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/vocero-ai/vocero/internal/config"
)

// fuzzyThreshold is the minimum Jaro-Winkler score for a spoken destination
// to match a configured name or alias when the phonetic codes do not
// overlap. Phonetic matches accept a lower score, since a shared Double
// Metaphone code is already strong evidence.
const (
	fuzzyThreshold    = 0.85
	phoneticThreshold = 0.70
)

// ErrNoDestination is returned when the requested destination matches no
// configured target and no default exists.
var ErrNoDestination = fmt.Errorf("transfer: no matching destination")

// ErrDestinationClosed is returned when the matched destination is gated by
// working hours and currently closed.
type ErrDestinationClosed struct {
	Name     string
	Message  string
	NextOpen time.Time
	Fallback string
}

func (e *ErrDestinationClosed) Error() string {
	return fmt.Sprintf("transfer: destination %s is closed", e.Name)
}

// Resolve matches the spoken destination against the configured targets:
// exact name, number, or alias first, then phonetic/fuzzy matching (speech
// recognition mangles short Portuguese department names), then the default
// destination. The winner's working hours are checked before it is
// returned.
func Resolve(rules *config.TransferRules, spoken string, at time.Time) (*config.TransferDestination, error) {
	if rules == nil || len(rules.Destinations) == 0 {
		return nil, ErrNoDestination
	}
	want := normalize(spoken)

	match := exactMatch(rules.Destinations, want)
	if match == nil {
		match = fuzzyMatch(rules.Destinations, want)
	}
	if match == nil {
		match = defaultDestination(rules.Destinations)
	}
	if match == nil {
		return nil, ErrNoDestination
	}

	if match.Hours != nil {
		open, msg, next := match.Hours.Evaluate(at)
		if !open {
			return nil, &ErrDestinationClosed{
				Name:     match.Name,
				Message:  msg,
				NextOpen: next,
				Fallback: match.FallbackAction,
			}
		}
	}
	return match, nil
}

func exactMatch(dests []config.TransferDestination, want string) *config.TransferDestination {
	for i := range dests {
		d := &dests[i]
		if normalize(d.Name) == want || (d.Number != "" && d.Number == want) {
			return d
		}
		for _, alias := range d.Aliases {
			if normalize(alias) == want {
				return d
			}
		}
	}
	return nil
}

// fuzzyMatch scores every name and alias against the spoken destination and
// returns the best-scoring target above threshold. A Double Metaphone code
// overlap lowers the required similarity, because "financeiro" misheard as
// "financeira" shares its phonetic shape even when the string distance is
// borderline.
func fuzzyMatch(dests []config.TransferDestination, want string) *config.TransferDestination {
	if want == "" {
		return nil
	}
	var best *config.TransferDestination
	bestScore := 0.0

	for i := range dests {
		d := &dests[i]
		for _, candidate := range append([]string{d.Name}, d.Aliases...) {
			name := normalize(candidate)
			if name == "" {
				continue
			}
			score := matchr.JaroWinkler(want, name, false)
			threshold := fuzzyThreshold
			if phoneticOverlap(want, name) {
				threshold = phoneticThreshold
			}
			if score >= threshold && score > bestScore {
				bestScore = score
				best = d
			}
		}
	}
	return best
}

// phoneticOverlap reports whether any Double Metaphone code of any word in
// a matches one of b.
func phoneticOverlap(a, b string) bool {
	ca := metaphoneCodes(a)
	cb := metaphoneCodes(b)
	for code := range ca {
		if _, ok := cb[code]; ok {
			return true
		}
	}
	return false
}

func metaphoneCodes(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 4)
	for _, w := range strings.Fields(s) {
		p, sec := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if sec != "" {
			codes[sec] = struct{}{}
		}
	}
	return codes
}

func defaultDestination(dests []config.TransferDestination) *config.TransferDestination {
	for i := range dests {
		if dests[i].IsDefault {
			return &dests[i]
		}
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DialString builds the switch dial string for a destination.
func DialString(d *config.TransferDestination, dialPrefix string) string {
	ctx := d.Context
	if ctx == "" {
		ctx = "internal"
	}
	switch d.Kind {
	case config.DestExternal:
		return fmt.Sprintf("sofia/external/%s%s", dialPrefix, d.Number)
	case config.DestVoicemail:
		return fmt.Sprintf("loopback/*98%s/%s", d.Number, ctx)
	default:
		return fmt.Sprintf("sofia/%s/%s", ctx, d.Number)
	}
}
