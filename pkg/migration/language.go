package migration

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// DefaultTargetLanguage is used when a legacy translate skill has no language.
const DefaultTargetLanguage = "English"

var namer = display.English.Tags()

// LanguageName turns a legacy language code such as "fr" or "pt-BR" into an
// English display name. Codes that do not parse are returned unchanged.
func LanguageName(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return DefaultTargetLanguage
	}

	tag, err := language.Parse(strings.ReplaceAll(code, "_", "-"))
	if err != nil {
		return code
	}
	if name := namer.Name(tag); name != "" {
		return name
	}
	return code
}
