package tools

import "strings"

// defaultStatus derives a progress label for tools that do not declare one,
// e.g. "notion_read_page" becomes "Using Notion Read Page...".
func defaultStatus(name string) string {
	title := displayTitle(name)
	if title == "" {
		return "Working on it..."
	}
	return "Using " + title + "..."
}

// displayTitle title-cases a tool name, dropping any namespace and a
// trailing "_tool".
func displayTitle(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndex(normalized, "__"); i >= 0 {
		normalized = normalized[i+2:]
	}
	if i := strings.LastIndex(normalized, "."); i >= 0 {
		normalized = normalized[i+1:]
	}
	normalized = strings.TrimSuffix(normalized, "_tool")
	normalized = strings.NewReplacer("_", " ", "-", " ").Replace(normalized)

	words := strings.Fields(normalized)
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
