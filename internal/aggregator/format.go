package aggregator

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// FormatEntries renders completed-worker entries according to format (spec
// §4.10 "Formatting"). JSON is the native form: entries are returned
// unmodified for the caller to marshal. Markdown and HTML render one
// section per entry.
func FormatEntries(entries []WorkerResultEntry, format Format) (any, error) {
	switch format {
	case "", FormatJSON:
		return entries, nil
	case FormatMarkdown:
		return formatMarkdown(entries), nil
	case FormatHTML:
		return formatHTML(entries), nil
	default:
		return nil, fmt.Errorf("aggregator: unknown format %q", format)
	}
}

func formatMarkdown(entries []WorkerResultEntry) string {
	var sb strings.Builder
	for i, e := range entries {
		fmt.Fprintf(&sb, "## %d. %s\n\n", i+1, e.Instruction)
		fmt.Fprintf(&sb, "Worker: `%s` · Duration: %dms\n\n", e.WorkerID, e.DurationMs)
		if s, ok := e.Result.(string); ok {
			sb.WriteString(s)
			sb.WriteString("\n\n")
			continue
		}
		raw, err := json.MarshalIndent(e.Result, "", "  ")
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", e.Result))
		}
		sb.WriteString("```json\n")
		sb.Write(raw)
		sb.WriteString("\n```\n\n")
	}
	return sb.String()
}

func formatHTML(entries []WorkerResultEntry) string {
	var sb strings.Builder
	sb.WriteString("<section class=\"swarm-result\">\n")
	for i, e := range entries {
		fmt.Fprintf(&sb, "  <article data-worker=\"%s\">\n", html.EscapeString(e.WorkerID))
		fmt.Fprintf(&sb, "    <h2>%d. %s</h2>\n", i+1, html.EscapeString(e.Instruction))
		fmt.Fprintf(&sb, "    <p>Duration: %dms</p>\n", e.DurationMs)
		if s, ok := e.Result.(string); ok {
			fmt.Fprintf(&sb, "    <p>%s</p>\n", html.EscapeString(s))
		} else {
			raw, err := json.MarshalIndent(e.Result, "", "  ")
			if err != nil {
				raw = []byte(fmt.Sprintf("%v", e.Result))
			}
			fmt.Fprintf(&sb, "    <pre>%s</pre>\n", html.EscapeString(string(raw)))
		}
		sb.WriteString("  </article>\n")
	}
	sb.WriteString("</section>\n")
	return sb.String()
}
