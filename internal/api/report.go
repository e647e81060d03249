package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nugget/taskloop/internal/agent"
	"github.com/nugget/taskloop/internal/usage"
)

// reportRenderer enables GFM so the actions table renders as a table.
var reportRenderer = goldmark.New(goldmark.WithExtensions(extension.GFM))

// handleTaskReport renders a finished task as a document. The default
// is HTML; ?format=markdown returns the source.
func (s *Server) handleTaskReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.Status(r.Context(), id)
	if err != nil {
		s.lookupError(w, err)
		return
	}
	if !st.Terminal() {
		s.errorResponse(w, http.StatusConflict, "task is still running")
		return
	}

	var run *agent.Run
	if s.runs != nil {
		if rec, err := s.runs.Get(r.Context(), id); err == nil {
			run = rec
		}
	}
	var cost *usage.Totals
	if s.usage != nil {
		if t, err := s.usage.TaskTotals(r.Context(), id); err == nil && t.Calls > 0 {
			cost = &t
		}
	}
	md := reportMarkdown(st, run, cost)

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(md))
		return
	}

	html, err := markdownToHTML(md)
	if err != nil {
		s.logger.Error("render report failed", "task_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "render report failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

// reportMarkdown describes a terminal task. run, when present, adds the
// execution statistics only the persisted record carries; cost adds
// the priced model calls.
func reportMarkdown(st TaskStatus, run *agent.Run, cost *usage.Totals) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task %s\n\n", st.ID)
	fmt.Fprintf(&b, "- **State:** %s\n", st.State)
	fmt.Fprintf(&b, "- **Conversation:** %s\n", st.ConversationID)
	fmt.Fprintf(&b, "- **Iterations:** %d\n", st.Iteration)
	fmt.Fprintf(&b, "- **Retries:** %d consecutive, %d total\n", st.Retry.Consecutive, st.Retry.Total)
	if st.CompletedAt != nil {
		fmt.Fprintf(&b, "- **Completed:** %s\n", st.CompletedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	if run != nil {
		fmt.Fprintf(&b, "- **Model:** %s\n", run.Model)
		fmt.Fprintf(&b, "- **Tokens:** %d in, %d out\n", run.InputTokens, run.OutputTokens)
		fmt.Fprintf(&b, "- **Duration:** %dms\n", run.DurationMs)
	}
	if cost != nil {
		fmt.Fprintf(&b, "- **Cost:** $%.4f over %d model calls\n", cost.CostUSD, cost.Calls)
	}

	fmt.Fprintf(&b, "\n## Requirement\n\n%s\n", st.Requirement)

	heading := "Result"
	switch st.State {
	case agent.StateFailed.String():
		heading = "Failure"
	case agent.StatePaused.String():
		heading = "Question"
	case agent.StateRevisePlan.String():
		heading = "Plan revision"
	}
	if st.Detail != "" {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", heading, st.Detail)
	}

	if run != nil && len(run.Actions) > 0 {
		names := make([]string, 0, len(run.Actions))
		for name := range run.Actions {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("\n## Actions\n\n| Action | Count |\n| --- | --- |\n")
		for _, name := range names {
			fmt.Fprintf(&b, "| %s | %d |\n", name, run.Actions[name])
		}
	}

	if run != nil && len(run.GeneratedFiles) > 0 {
		b.WriteString("\n## Generated files\n\n")
		for _, f := range run.GeneratedFiles {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}

	if st.Summary != "" {
		fmt.Fprintf(&b, "\n## Conversation summary\n\n%s\n", st.Summary)
	}
	return b.String()
}

// markdownToHTML renders markdown into a minimal standalone page with
// no external resources.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := reportRenderer.Convert([]byte(md), &buf); err != nil {
		return "", err
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>taskloop report</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String()), nil
}
