package transfer

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Token lists backing the decision-safety overrides. Provider models
// occasionally call accept_transfer while the callee is literally saying
// "não" or reject_transfer because they mistook the callee's greeting for
// a refusal. The b-leg transcript tail is scanned against these lists
// before a tool decision is honored.
var refusalTokens = []string{
	// Portuguese
	"não",
	"nao",
	"não posso",
	"agora não",
	"ocupado",
	"ocupada",
	"depois",
	"mais tarde",
	"reunião",
	"reuniao",
	"não dá",
	"liga depois",
	// English
	"no",
	"not now",
	"busy",
	"later",
	"can't",
	"cannot",
	"in a meeting",
	"call back",
}

var greetingTokens = []string{
	// Portuguese
	"alô",
	"alo",
	"oi",
	"olá",
	"ola",
	"bom dia",
	"boa tarde",
	"boa noite",
	"querido",
	"querida",
	"pois não",
	"fala",
	// English
	"hello",
	"hi",
	"hey",
	"good morning",
	"good afternoon",
	"good evening",
	"speaking",
	"yes",
}

// tokenMatchThreshold is the Jaro-Winkler score above which a transcript
// word counts as a token. Transcription of a single syllable over a phone
// line is noisy, so near-matches like "nau" for "não" must count.
const tokenMatchThreshold = 0.88

// ContainsRefusal reports whether the transcript tail contains a refusal
// token, exactly or fuzzily.
func ContainsRefusal(text string) bool {
	return containsToken(text, refusalTokens)
}

// ContainsGreeting reports whether the transcript tail reads like a
// greeting rather than an answer to the transfer announcement.
func ContainsGreeting(text string) bool {
	return containsToken(text, greetingTokens)
}

func containsToken(text string, tokens []string) bool {
	norm := normalize(text)
	if norm == "" {
		return false
	}
	words := strings.Fields(norm)
	for _, tok := range tokens {
		if strings.Contains(tok, " ") {
			if strings.Contains(norm, tok) {
				return true
			}
			continue
		}
		for _, w := range words {
			if w == tok {
				return true
			}
			// Fuzzy matching on very short words produces false
			// positives ("no" vs "now"), so require length 3+.
			if len(tok) >= 3 && len(w) >= 3 && matchr.JaroWinkler(w, tok, false) >= tokenMatchThreshold {
				return true
			}
		}
	}
	return false
}
