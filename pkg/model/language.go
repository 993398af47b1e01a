package model

import (
	"strings"

	"golang.org/x/text/language"
)

// BaseLanguage reduces a BCP-47 tag ("en-US", "pt_BR") to its lowercase base
// language ("en", "pt"). Unparseable input is returned trimmed and lowercased.
func BaseLanguage(tag string) string {
	tag = strings.TrimSpace(strings.ReplaceAll(tag, "_", "-"))
	if tag == "" {
		return ""
	}
	t, err := language.Parse(tag)
	if err != nil {
		return strings.ToLower(tag)
	}
	base, _ := t.Base()
	return base.String()
}

// SameLanguage reports whether two tags share a base language
func SameLanguage(a, b string) bool {
	return BaseLanguage(a) == BaseLanguage(b)
}
