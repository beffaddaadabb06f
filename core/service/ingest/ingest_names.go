package ingest

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SplitName derives first and last name for an auto-created contact. The
// display name wins; otherwise the local part is split on dots, underscores
// and dashes.
func SplitName(displayName, email string) (first, last string) {
	name := strings.Trim(strings.TrimSpace(displayName), `"'`)
	if name != "" && !strings.Contains(name, "@") {
		parts := strings.Fields(name)
		return parts[0], strings.Join(parts[1:], " ")
	}

	local := email
	if at := strings.LastIndex(local, "@"); at >= 0 {
		local = local[:at]
	}
	if plus := strings.Index(local, "+"); plus >= 0 {
		local = local[:plus]
	}
	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-'
	})
	if len(parts) == 0 {
		return "", ""
	}
	caser := cases.Title(language.Und)
	for i, p := range parts {
		parts[i] = caser.String(p)
	}
	return parts[0], strings.Join(parts[1:], " ")
}
