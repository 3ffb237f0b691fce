package abstraction

import (
	"sort"
	"strings"

	"github.com/rcliao/hamstore/internal/model"
)

// Render formats a DeepParameter as readable text: summary, keywords,
// relations and the modality names with their references.
func Render(dp *model.DeepParameter) string {
	var sb strings.Builder
	sb.WriteString("Summary: ")
	sb.WriteString(dp.Gist.Summary)
	if len(dp.Gist.Keywords) > 0 {
		sb.WriteString("\nKeywords: ")
		sb.WriteString(strings.Join(dp.Gist.Keywords, ", "))
	}
	if len(dp.Relational.Triples) > 0 {
		sb.WriteString("\nRelations:")
		for _, t := range dp.Relational.Triples {
			sb.WriteString("\n  - " + t.Subject + " -> " + t.Relation + " -> " + t.Object)
		}
	}

	names := make([]string, 0, len(dp.Modalities))
	for name := range dp.Modalities {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if e := dp.Modalities[name]; e.Ref != "" {
			sb.WriteString("\nRef " + name + ": " + e.Ref)
		}
	}
	if len(dp.Metadata.Tags) > 0 {
		sb.WriteString("\nTags: " + strings.Join(dp.Metadata.Tags, ", "))
	}
	return sb.String()
}
