package journal

import (
	"fmt"
	"strings"

	"github.com/evalgo/xjog/model"
)

// sqlArgs accumulates positional parameters for a query being built,
// tracking the next placeholder index so nested filter clauses can be
// composed without the caller having to renumber anything.
type sqlArgs struct {
	args []any
}

func (a *sqlArgs) add(v any) string {
	a.args = append(a.args, v)
	return fmt.Sprintf("$%d", len(a.args))
}

// buildChartFilter compiles a ChartFilter into a boolean SQL expression
// over a full-state-shaped row (columns machine_id, chart_id, state), plus
// an EXISTS subquery against xjog_external_ids for ExternalIDPatterns.
// Empty filters compile to "true". Equivalent to buildChartFilterAliased
// with alias "t", kept as its own entry point so existing callers and
// their expected SQL strings are untouched.
func buildChartFilter(f model.ChartFilter, a *sqlArgs) string {
	var clauses []string

	if f.MachineIDPattern != "" {
		clauses = append(clauses, "machine_id ~ "+a.add(f.MachineIDPattern))
	}
	if f.ChartIDPattern != "" {
		clauses = append(clauses, "chart_id ~ "+a.add(f.ChartIDPattern))
	}
	if f.StateValueEquals != "" {
		clauses = append(clauses, "state->>'value' = "+a.add(f.StateValueEquals))
	}
	for key, pattern := range f.ExternalIDPatterns {
		clauses = append(clauses, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM xjog_external_ids e WHERE e.machine_id = t.machine_id AND e.chart_id = t.chart_id AND e.key = %s AND e.value ~ %s)",
			a.add(key), a.add(pattern)))
	}
	for _, sub := range f.And {
		clauses = append(clauses, "("+buildChartFilter(sub, a)+")")
	}
	if len(f.Or) > 0 {
		var orClauses []string
		for _, sub := range f.Or {
			orClauses = append(orClauses, "("+buildChartFilter(sub, a)+")")
		}
		clauses = append(clauses, "("+strings.Join(orClauses, " OR ")+")")
	}
	if f.Not != nil {
		clauses = append(clauses, "NOT ("+buildChartFilter(*f.Not, a)+")")
	}

	if len(clauses) == 0 {
		return "true"
	}
	return strings.Join(clauses, " AND ")
}

// buildChartFilterAliased is buildChartFilter generalized to an explicit
// table alias, so the same compiler can be aimed at xjog_journal (alias
// "j") for subscription queries in addition to xjog_full_state ("t").
func buildChartFilterAliased(f model.ChartFilter, a *sqlArgs, alias string) string {
	var clauses []string

	if f.MachineIDPattern != "" {
		clauses = append(clauses, alias+".machine_id ~ "+a.add(f.MachineIDPattern))
	}
	if f.ChartIDPattern != "" {
		clauses = append(clauses, alias+".chart_id ~ "+a.add(f.ChartIDPattern))
	}
	if f.StateValueEquals != "" {
		clauses = append(clauses, alias+".state->>'value' = "+a.add(f.StateValueEquals))
	}
	for key, pattern := range f.ExternalIDPatterns {
		clauses = append(clauses, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM xjog_external_ids e WHERE e.machine_id = %[1]s.machine_id AND e.chart_id = %[1]s.chart_id AND e.key = %[2]s AND e.value ~ %[3]s)",
			alias, a.add(key), a.add(pattern)))
	}
	for _, sub := range f.And {
		clauses = append(clauses, "("+buildChartFilterAliased(sub, a, alias)+")")
	}
	if len(f.Or) > 0 {
		var orClauses []string
		for _, sub := range f.Or {
			orClauses = append(orClauses, "("+buildChartFilterAliased(sub, a, alias)+")")
		}
		clauses = append(clauses, "("+strings.Join(orClauses, " OR ")+")")
	}
	if f.Not != nil {
		clauses = append(clauses, "NOT ("+buildChartFilterAliased(*f.Not, a, alias)+")")
	}

	if len(clauses) == 0 {
		return "true"
	}
	return strings.Join(clauses, " AND ")
}

// buildEventFilter compiles an EventFilter into a boolean SQL expression
// for a query joining a chart-shaped row (aliased chartAlias, columns
// machine_id, chart_id, state, created, ts) against per-key rows of a
// digest-shaped table (aliased digestAlias, columns key, value, created,
// ts). Key-bearing leaves compile to an EXISTS over digestAlias filtered
// to that key; metadata leaves (MachineIDPattern etc., and the created/
// updated time bounds) constrain chartAlias directly. Empty filters
// compile to "true".
func buildEventFilter(f model.EventFilter, a *sqlArgs, chartAlias, digestAlias string) string {
	var clauses []string

	if f.MachineIDPattern != "" {
		clauses = append(clauses, chartAlias+".machine_id ~ "+a.add(f.MachineIDPattern))
	}
	if f.ChartIDPattern != "" {
		clauses = append(clauses, chartAlias+".chart_id ~ "+a.add(f.ChartIDPattern))
	}
	if f.StateValueEquals != "" {
		clauses = append(clauses, chartAlias+".state->>'value' = "+a.add(f.StateValueEquals))
	}
	for key, pattern := range f.ExternalIDPatterns {
		clauses = append(clauses, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM xjog_external_ids e WHERE e.machine_id = %[1]s.machine_id AND e.chart_id = %[1]s.chart_id AND e.key = %[2]s AND e.value ~ %[3]s)",
			chartAlias, a.add(key), a.add(pattern)))
	}
	if f.CreatedBefore != nil {
		clauses = append(clauses, chartAlias+".created < "+a.add(*f.CreatedBefore))
	}
	if f.CreatedAfter != nil {
		clauses = append(clauses, chartAlias+".created > "+a.add(*f.CreatedAfter))
	}
	if f.UpdatedBefore != nil {
		clauses = append(clauses, chartAlias+".ts < "+a.add(*f.UpdatedBefore))
	}
	if f.UpdatedAfter != nil {
		clauses = append(clauses, chartAlias+".ts > "+a.add(*f.UpdatedAfter))
	}
	if f.Key != "" {
		clauses = append(clauses, buildDigestValueExists(f, a, chartAlias, digestAlias))
	}
	for _, sub := range f.And {
		clauses = append(clauses, "("+buildEventFilter(sub, a, chartAlias, digestAlias)+")")
	}
	if len(f.Or) > 0 {
		var orClauses []string
		for _, sub := range f.Or {
			orClauses = append(orClauses, "("+buildEventFilter(sub, a, chartAlias, digestAlias)+")")
		}
		clauses = append(clauses, "("+strings.Join(orClauses, " OR ")+")")
	}
	if f.Not != nil {
		clauses = append(clauses, "NOT ("+buildEventFilter(*f.Not, a, chartAlias, digestAlias)+")")
	}

	if len(clauses) == 0 {
		return "true"
	}
	return strings.Join(clauses, " AND ")
}

// buildDigestValueExists compiles one key-bearing EventFilter leaf into an
// EXISTS subquery over the digest table, comparing value as text against
// whichever single comparison operator the leaf set (Eq, Matches, Lt/Lte/
// Gt/Gte); a leaf with none of those just asserts the key is present.
func buildDigestValueExists(f model.EventFilter, a *sqlArgs, chartAlias, digestAlias string) string {
	cmp := "true"
	switch {
	case f.Eq != nil:
		cmp = digestAlias + ".value = " + a.add(fmt.Sprintf("%v", f.Eq))
	case f.Matches != "":
		cmp = digestAlias + ".value ~ " + a.add(f.Matches)
	case f.Lt != nil:
		cmp = digestAlias + ".value < " + a.add(fmt.Sprintf("%v", f.Lt))
	case f.Lte != nil:
		cmp = digestAlias + ".value <= " + a.add(fmt.Sprintf("%v", f.Lte))
	case f.Gt != nil:
		cmp = digestAlias + ".value > " + a.add(fmt.Sprintf("%v", f.Gt))
	case f.Gte != nil:
		cmp = digestAlias + ".value >= " + a.add(fmt.Sprintf("%v", f.Gte))
	}
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM xjog_digests %[1]s WHERE %[1]s.machine_id = %[2]s.machine_id AND %[1]s.chart_id = %[2]s.chart_id AND %[1]s.key = %[3]s AND %[4]s)",
		digestAlias, chartAlias, a.add(f.Key), cmp)
}

// buildJournalQuery compiles a JournalQuery into a WHERE clause, ORDER BY,
// and LIMIT/OFFSET suffix for a table aliased "j" with columns machine_id,
// chart_id, parent_machine_id, parent_chart_id, id, ts.
func buildJournalQuery(q model.JournalQuery, a *sqlArgs) (where, orderLimit string) {
	var clauses []string

	if q.Ref != nil {
		clauses = append(clauses, "j.machine_id = "+a.add(q.Ref.MachineID)+" AND j.chart_id = "+a.add(q.Ref.ChartID))
	}
	if q.MachineID != "" {
		clauses = append(clauses, "j.machine_id = "+a.add(q.MachineID))
	}
	if q.ParentRef != nil {
		clauses = append(clauses, "j.parent_machine_id = "+a.add(q.ParentRef.MachineID)+" AND j.parent_chart_id = "+a.add(q.ParentRef.ChartID))
	}
	if q.ID.After != nil {
		clauses = append(clauses, "j.id > "+a.add(*q.ID.After))
	}
	if q.ID.AfterAndIncluding != nil {
		clauses = append(clauses, "j.id >= "+a.add(*q.ID.AfterAndIncluding))
	}
	if q.ID.Before != nil {
		clauses = append(clauses, "j.id < "+a.add(*q.ID.Before))
	}
	if q.ID.BeforeAndIncluding != nil {
		clauses = append(clauses, "j.id <= "+a.add(*q.ID.BeforeAndIncluding))
	}
	if q.Time.After != nil {
		clauses = append(clauses, "j.ts > "+a.add(*q.Time.After))
	}
	if q.Time.Before != nil {
		clauses = append(clauses, "j.ts < "+a.add(*q.Time.Before))
	}

	where = "true"
	if len(clauses) > 0 {
		where = strings.Join(clauses, " AND ")
	}

	dir := "ASC"
	if q.Order == model.OrderDesc {
		dir = "DESC"
	}
	orderLimit = fmt.Sprintf("ORDER BY j.id %s", dir)
	if q.Limit > 0 {
		orderLimit += " LIMIT " + a.add(q.Limit)
	}
	if q.Offset > 0 {
		orderLimit += " OFFSET " + a.add(q.Offset)
	}
	return where, orderLimit
}
