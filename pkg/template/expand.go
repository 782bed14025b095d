// Package template expands {placeholder} tokens in configured commands.
package template

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Expand replaces {key} tokens in text.
//
// Built-in placeholders:
//
//	{date}      - date of now in YYYY-MM-DD format
//	{unix}      - Unix timestamp of now
//	{hostname}  - short system hostname
//
// vars override the built-ins. Unknown tokens are left as they are.
func Expand(text string, vars map[string]string, now time.Time) string {
	if !strings.Contains(text, "{") {
		return text
	}
	return replacer(vars, now).Replace(text)
}

// ExpandArgs expands every element of argv into a new slice.
func ExpandArgs(argv []string, vars map[string]string, now time.Time) []string {
	r := replacer(vars, now)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}

func replacer(vars map[string]string, now time.Time) *strings.Replacer {
	placeholders := map[string]string{
		"date": now.Format("2006-01-02"),
		"unix": strconv.FormatInt(now.Unix(), 10),
	}
	if h, err := os.Hostname(); err == nil {
		placeholders["hostname"] = strings.Split(h, ".")[0]
	} else {
		placeholders["hostname"] = "unknown"
	}
	for k, v := range vars {
		placeholders[k] = v
	}

	pairs := make([]string, 0, 2*len(placeholders))
	for k, v := range placeholders {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...)
}
