package scar

import (
	"strings"
	"unicode"

	"github.com/tcmartin/scarfeed/pkg/models"
)

// Classification is how a SCAR message shows up in the activity feed
type Classification struct {
	Kind   models.ActivityKind
	Source string
	Tool   string
	Detail string
}

var toolKinds = map[string]models.ActivityKind{
	"bash":      models.ActivityShell,
	"shell":     models.ActivityShell,
	"read":      models.ActivityFileRead,
	"write":     models.ActivityFileWrite,
	"edit":      models.ActivityFileEdit,
	"multiedit": models.ActivityFileEdit,
	"grep":      models.ActivitySearch,
	"glob":      models.ActivitySearch,
	"search":    models.ActivitySearch,
}

// ClassifyMessage maps a SCAR message to an activity kind. SCAR relays
// Claude's tool calls as "<Tool>: <detail>" or "<Tool>(<detail>)", usually
// behind an emoji; those are attributed to claude. Anything else is a plain
// scar message.
func ClassifyMessage(text string) Classification {
	trimmed := strings.TrimLeftFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r)
	})

	end := strings.IndexFunc(trimmed, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if end <= 0 {
		return Classification{Kind: models.ActivityMessage, Source: models.SourceSCAR}
	}

	tool := trimmed[:end]
	rest := trimmed[end:]
	kind, ok := toolKinds[strings.ToLower(tool)]
	if !ok || !(strings.HasPrefix(rest, ":") || strings.HasPrefix(rest, "(")) {
		return Classification{Kind: models.ActivityMessage, Source: models.SourceSCAR}
	}

	detail := strings.TrimSpace(strings.TrimLeft(rest, ":("))
	detail = strings.TrimSuffix(detail, ")")
	return Classification{
		Kind:   kind,
		Source: models.SourceClaude,
		Tool:   tool,
		Detail: detail,
	}
}
