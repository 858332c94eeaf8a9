package langid

import (
	"encoding/json"
	"strings"
)

// CLD2Field is the metadata key holding the crawl-time language statistics.
const CLD2Field = "languages-cld2"

// ParseCrawlMetadata parses a metadata record payload made of "key: value"
// lines. Values that look like JSON objects are decoded; anything that fails
// to decode is kept verbatim.
func ParseCrawlMetadata(payload []byte) map[string]any {
	meta := make(map[string]any)
	text := strings.ReplaceAll(string(payload), "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if strings.HasPrefix(value, "{") && strings.HasSuffix(value, "}") {
			var obj map[string]any
			if err := json.Unmarshal([]byte(value), &obj); err == nil {
				meta[key] = obj
				continue
			}
		}
		meta[key] = value
	}
	return meta
}

// HasLanguageStats reports whether the cld2 field carries a languages list.
func HasLanguageStats(meta map[string]any) bool {
	_, ok := cld2Languages(meta)
	return ok
}

// DominantLanguage returns the code with the highest text coverage. Ties keep
// the first listed language.
func DominantLanguage(meta map[string]any) (string, bool) {
	langs, ok := cld2Languages(meta)
	if !ok || len(langs) == 0 {
		return "", false
	}
	bestCode := ""
	bestCovered := -1.0
	for _, raw := range langs {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		code, _ := entry["code"].(string)
		covered, _ := entry["text-covered"].(float64)
		if covered > bestCovered {
			bestCode = code
			bestCovered = covered
		}
	}
	if bestCovered < 0 {
		return "", false
	}
	return bestCode, true
}

func cld2Languages(meta map[string]any) ([]any, bool) {
	field, ok := meta[CLD2Field].(map[string]any)
	if !ok {
		return nil, false
	}
	langs, ok := field["languages"].([]any)
	return langs, ok
}
