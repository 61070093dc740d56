package session

import (
	"fmt"
	"strings"

	"github.com/vocero-ai/vocero/internal/config"
)

// BuildPrompt assembles the final system prompt: the secretary's prompt,
// a generated transfer-rules section in the configured language, and the
// business-info section.
func BuildPrompt(sec *config.SecretaryConfig, rules *config.TransferRules) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(sec.Prompt))

	if rules != nil && len(rules.Destinations) > 0 {
		b.WriteString("\n\n")
		b.WriteString(transferSection(sec.Language, rules))
	}
	if info := strings.TrimSpace(sec.BusinessInfo); info != "" {
		b.WriteString("\n\n")
		b.WriteString(businessHeader(sec.Language))
		b.WriteString("\n")
		b.WriteString(info)
	}
	return b.String()
}

func portuguese(language string) bool {
	return strings.HasPrefix(strings.ToLower(language), "pt")
}

func transferSection(language string, rules *config.TransferRules) string {
	var b strings.Builder
	if portuguese(language) {
		b.WriteString("## Transferências\n")
		b.WriteString("Você pode transferir a ligação para os seguintes destinos usando a ferramenta transfer_call:\n")
	} else {
		b.WriteString("## Transfers\n")
		b.WriteString("You can transfer the call to the following destinations using the transfer_call tool:\n")
	}
	for _, d := range rules.Destinations {
		fmt.Fprintf(&b, "- %s", d.Name)
		if len(d.Aliases) > 0 {
			if portuguese(language) {
				fmt.Fprintf(&b, " (também conhecido como: %s)", strings.Join(d.Aliases, ", "))
			} else {
				fmt.Fprintf(&b, " (also known as: %s)", strings.Join(d.Aliases, ", "))
			}
		}
		b.WriteString("\n")
	}
	if portuguese(language) {
		b.WriteString("Sempre confirme o nome de quem está ligando antes de transferir.")
	} else {
		b.WriteString("Always confirm the caller's name before transferring.")
	}
	return b.String()
}

func businessHeader(language string) string {
	if portuguese(language) {
		return "## Informações da empresa"
	}
	return "## Business information"
}

// silenceReprompt is the utterance used by the silence fallback.
func silenceReprompt(language string) string {
	if portuguese(language) {
		return "Você ainda está aí? Posso ajudar em mais alguma coisa?"
	}
	return "Are you still there? Is there anything else I can help you with?"
}
