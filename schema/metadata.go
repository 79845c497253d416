package schema

import "strings"

var threadLabelMetadataKeys = []string{"thread_title", "title", "thread_preview"}

// ThreadLabelFromMetadata extracts a human-facing label from thread
// metadata, preferring an explicit title over the submitted preview.
func ThreadLabelFromMetadata(metadata map[string]any) string {
	for _, key := range threadLabelMetadataKeys {
		raw, ok := metadata[key]
		if !ok {
			continue
		}
		value, ok := raw.(string)
		if !ok {
			continue
		}
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
