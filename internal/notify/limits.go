package notify

// Discord rejects embeds whose parts exceed these rune counts.
const (
	maxTitle       = 256
	maxDescription = 4096
	maxFieldName   = 256
	maxFieldValue  = 1024
	maxFooter      = 2048
	maxAuthorName  = 256
)

const ellipsis = "…"

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + ellipsis
}

// clamp truncates every text part of e to Discord's limits and reports the
// parts it shortened.
func clamp(e Embed) (Embed, []string) {
	var truncated []string
	fit := func(part string, s *string, limit int) {
		if short := truncate(*s, limit); short != *s {
			*s = short
			truncated = append(truncated, part)
		}
	}

	fit("title", &e.Title, maxTitle)
	fit("description", &e.Description, maxDescription)
	if e.Author != nil {
		author := *e.Author
		fit("author", &author.Name, maxAuthorName)
		e.Author = &author
	}
	if e.Footer != nil {
		footer := *e.Footer
		fit("footer", &footer.Text, maxFooter)
		e.Footer = &footer
	}
	if len(e.Fields) > 0 {
		fields := make([]EmbedField, len(e.Fields))
		copy(fields, e.Fields)
		for i := range fields {
			fit("fields."+fields[i].Name, &fields[i].Value, maxFieldValue)
			fit("fields.name", &fields[i].Name, maxFieldName)
		}
		e.Fields = fields
	}
	return e, truncated
}
