package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/pipeline"
	"github.com/Veraticus/merchantflow/internal/storage"
	"github.com/Veraticus/merchantflow/internal/versioning"
)

const histogramWidth = 30

// RenderSummary renders batch statistics: type distribution, confidence
// histogram and the share needing verification.
func RenderSummary(s pipeline.Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s Transactions: %d\n", ChartIcon, s.Total)
	fmt.Fprintf(&b, "  • Merchant expected: %d\n", s.MerchantExpected)
	fmt.Fprintf(&b, "  • Resolved to entities: %d (%d distinct)\n", s.Resolved, s.Entities)
	fmt.Fprintf(&b, "  • Mean confidence: %s\n", FormatConfidence(s.MeanConfidence))
	verify := fmt.Sprintf("  • Needs verification: %d (%.1f%%)", s.NeedsVerification, s.VerificationPct)
	if s.NeedsVerification > 0 {
		verify = WarningStyle.Render(verify)
	}
	b.WriteString(verify + "\n")
	if s.Anomalies > 0 {
		b.WriteString(WarningStyle.Render(fmt.Sprintf("  • Unusual amounts: %d", s.Anomalies)) + "\n")
	}
	if s.Errors > 0 {
		b.WriteString(ErrorStyle.Render(fmt.Sprintf("  • Errors: %d", s.Errors)) + "\n")
	}

	b.WriteString("\n" + BoldStyle.Render("By type") + "\n")
	types := make(map[string]int, len(s.ByType))
	for k, v := range s.ByType {
		types[string(k)] = v
	}
	b.WriteString(renderCounts(types))

	if len(s.ByMethod) > 0 {
		b.WriteString("\n" + BoldStyle.Render("By method") + "\n")
		methods := make(map[string]int, len(s.ByMethod))
		for k, v := range s.ByMethod {
			methods[string(k)] = v
		}
		b.WriteString(renderCounts(methods))
	}

	b.WriteString("\n" + BoldStyle.Render("Confidence") + "\n")
	b.WriteString(RenderHistogram(s.Histogram))

	return RenderBox("Classification Summary", strings.TrimRight(b.String(), "\n"))
}

// RenderHistogram draws one bar per confidence bucket.
func RenderHistogram(h [pipeline.HistogramBuckets]int) string {
	peak := 0
	for _, n := range h {
		peak = max(peak, n)
	}
	var b strings.Builder
	for i, n := range h {
		width := 0
		if peak > 0 {
			width = n * histogramWidth / peak
		}
		lo := float64(i) / pipeline.HistogramBuckets
		hi := float64(i+1) / pipeline.HistogramBuckets
		fmt.Fprintf(&b, "  %.1f-%.1f │%s %d\n", lo, hi, ProgressStyle.Render(strings.Repeat("█", width)), n)
	}
	return b.String()
}

func renderCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "  %-28s %d\n", k, counts[k])
	}
	return b.String()
}

// RenderEntities renders entities as a table.
func RenderEntities(ents []*model.Entity) string {
	if len(ents) == 0 {
		return SubtleStyle.Render("No entities.")
	}
	rows := make([][]string, 0, len(ents))
	for _, e := range ents {
		rows = append(rows, []string{
			e.MerchantID,
			e.CanonicalName,
			e.Category,
			e.StateLabel(),
			fmt.Sprintf("%d", e.TransactionCount),
			fmt.Sprintf("%.2f", e.Confidence),
			fmt.Sprintf("v%d", e.Version),
		})
	}
	return renderTable([]string{"MERCHANT", "NAME", "CATEGORY", "STATE", "TXNS", "CONF", "VER"}, rows)
}

// RenderEntity renders one entity in detail.
func RenderEntity(e *model.Entity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ID:           %s\n", e.ID)
	fmt.Fprintf(&b, "Merchant id:  %s\n", e.MerchantID)
	fmt.Fprintf(&b, "Category:     %s\n", e.Category)
	fmt.Fprintf(&b, "Type:         %s\n", e.EntityType)
	fmt.Fprintf(&b, "State:        %s\n", e.StateLabel())
	if e.MergeReason != "" {
		fmt.Fprintf(&b, "Merge reason: %s\n", e.MergeReason)
	}
	if e.SuspectedDupOf != nil {
		fmt.Fprintf(&b, "%s\n", WarningStyle.Render("Suspected duplicate of: "+e.SuspectedDupOf.String()))
	}
	if e.TaxID != "" {
		fmt.Fprintf(&b, "Tax id:       %s\n", e.TaxID)
	}
	fmt.Fprintf(&b, "Confidence:   %s\n", FormatConfidence(e.Confidence))
	fmt.Fprintf(&b, "Transactions: %d", e.TransactionCount)
	if !e.FirstSeen.IsZero() {
		fmt.Fprintf(&b, " (%s to %s)", e.FirstSeen.Format(time.DateOnly), e.LastSeen.Format(time.DateOnly))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Version:      %d (%s)\n", e.Version, e.RecordedAt.Format(time.RFC3339))
	if len(e.Variations) > 0 {
		b.WriteString("Variations:\n")
		for _, v := range e.Variations {
			fmt.Fprintf(&b, "  • %s %s\n", v.Text, SubtleStyle.Render(string(v.Source)))
		}
	}
	return RenderBox(e.CanonicalName, strings.TrimRight(b.String(), "\n"))
}

// RenderHistory renders every version of an entity, oldest first.
func RenderHistory(history []*model.Entity) string {
	rows := make([][]string, 0, len(history))
	for _, e := range history {
		rows = append(rows, []string{
			fmt.Sprintf("v%d", e.Version),
			e.RecordedAt.Format(time.RFC3339),
			e.CanonicalName,
			e.StateLabel(),
			fmt.Sprintf("%d", e.TransactionCount),
			fmt.Sprintf("%d", len(e.Variations)),
		})
	}
	return renderTable([]string{"VER", "RECORDED", "NAME", "STATE", "TXNS", "ALIASES"}, rows)
}

// RenderVersions renders rule-version metadata.
func RenderVersions(versions []model.RuleVersion) string {
	if len(versions) == 0 {
		return SubtleStyle.Render("No versions.")
	}
	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		reason := v.Reason
		if v.RollbackOf != nil {
			reason = fmt.Sprintf("rollback to %s: %s", v.RollbackOf.Format(time.RFC3339Nano), v.Reason)
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", v.Sequence),
			v.Timestamp.Format(time.RFC3339Nano),
			v.Author,
			fmt.Sprintf("%d", v.RuleCount),
			reason,
		})
	}
	return renderTable([]string{"SEQ", "TIMESTAMP", "AUTHOR", "RULES", "REASON"}, rows)
}

// RenderRules renders a rule list as a table.
func RenderRules(list []model.Rule) string {
	if len(list) == 0 {
		return SubtleStyle.Render("No rules.")
	}
	rows := make([][]string, 0, len(list))
	for _, r := range list {
		enabled := SuccessIcon
		if !r.Enabled {
			enabled = ErrorIcon
		}
		rows = append(rows, []string{
			r.ID,
			fmt.Sprintf("%d", r.Priority),
			enabled,
			ruleTarget(r),
			strings.Join(r.Patterns, " | "),
		})
	}
	return renderTable([]string{"ID", "PRIO", "ON", "TARGET", "PATTERNS"}, rows)
}

// ruleTarget summarises what a rule produces when it matches.
func ruleTarget(r model.Rule) string {
	switch r.Type {
	case model.RuleTypeDetection:
		return string(r.TxType)
	case model.RuleCounterparty:
		return r.CounterpartyID
	case model.RuleNoisePattern:
		return r.Kind
	case model.RuleDisambiguation:
		return r.MerchantID
	default:
		return ""
	}
}

// RenderDiff renders a rule diff with added, removed and modified rules.
func RenderDiff(d versioning.Diff) string {
	if d.IsEmpty() {
		return SubtleStyle.Render(fmt.Sprintf("No changes (%d rules unchanged).", len(d.Unchanged)))
	}
	var b strings.Builder
	for _, r := range d.Added {
		b.WriteString(SuccessStyle.Render("+ "+r.ID) + " " + SubtleStyle.Render(strings.Join(r.Patterns, " | ")) + "\n")
	}
	for _, r := range d.Removed {
		b.WriteString(ErrorStyle.Render("- "+r.ID) + "\n")
	}
	for _, c := range d.Modified {
		b.WriteString(WarningStyle.Render("~ "+c.ID) + " " + SubtleStyle.Render(describeChange(c)) + "\n")
	}
	fmt.Fprintf(&b, "%d unchanged", len(d.Unchanged))
	return b.String()
}

func describeChange(c versioning.RuleChange) string {
	var parts []string
	if strings.Join(c.Before.Patterns, "\x00") != strings.Join(c.After.Patterns, "\x00") {
		parts = append(parts, "patterns")
	}
	if c.Before.Priority != c.After.Priority {
		parts = append(parts, fmt.Sprintf("priority %d→%d", c.Before.Priority, c.After.Priority))
	}
	if c.Before.Enabled != c.After.Enabled {
		parts = append(parts, fmt.Sprintf("enabled %t→%t", c.Before.Enabled, c.After.Enabled))
	}
	if c.Before.MerchantID != c.After.MerchantID {
		parts = append(parts, fmt.Sprintf("merchant %s→%s", c.Before.MerchantID, c.After.MerchantID))
	}
	if c.Before.Category != c.After.Category {
		parts = append(parts, fmt.Sprintf("category %s→%s", c.Before.Category, c.After.Category))
	}
	if len(parts) == 0 {
		return "other fields"
	}
	return strings.Join(parts, ", ")
}

// RenderRuleStats renders version statistics for one rule type.
func RenderRuleStats(st versioning.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Versions:  %d (%d rollbacks)\n", st.VersionCount, st.Rollbacks)
	fmt.Fprintf(&b, "Authors:   %s\n", strings.Join(st.Authors, ", "))
	if st.VersionCount > 0 {
		fmt.Fprintf(&b, "Span:      %s to %s\n", st.First.Format(time.RFC3339), st.Last.Format(time.RFC3339))
	}
	counts := make([]string, 0, len(st.RuleCount))
	for _, p := range st.RuleCount {
		counts = append(counts, fmt.Sprintf("%d", p.RuleCount))
	}
	fmt.Fprintf(&b, "Rule count trend: %s", strings.Join(counts, " → "))
	return RenderBox(RulesIcon+" "+string(st.RuleType), b.String())
}

// RenderRuns renders recorded classification runs, newest first.
func RenderRuns(runs []storage.Run) string {
	if len(runs) == 0 {
		return SubtleStyle.Render("No runs.")
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.StartedAt.Local().Format(time.DateTime),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
			r.Input,
			fmt.Sprintf("%d", r.Summary.Total),
			fmt.Sprintf("%d", r.Summary.Resolved),
			fmt.Sprintf("%d", r.Summary.NeedsVerification),
			fmt.Sprintf("%d", r.Summary.Errors),
		})
	}
	return renderTable([]string{"STARTED", "TOOK", "INPUT", "TXNS", "RESOLVED", "VERIFY", "ERRORS"}, rows)
}

func renderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	line := func(cells []string) string {
		out := make([]string, len(cells))
		for i, c := range cells {
			out[i] = TableCellStyle.Width(widths[i] + 2).Render(c)
		}
		return lipgloss.JoinHorizontal(lipgloss.Top, out...)
	}

	var b strings.Builder
	b.WriteString(TableHeaderStyle.Render(line(header)) + "\n")
	for _, row := range rows {
		b.WriteString(line(row) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
