package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/evalgo/xjog/model"
)

func TestBuildChartFilter(t *testing.T) {
	t.Run("empty filter matches everything", func(t *testing.T) {
		a := &sqlArgs{}
		assert.Equal(t, "true", buildChartFilter(model.ChartFilter{}, a))
		assert.Empty(t, a.args)
	})

	t.Run("simple leaves combine with AND", func(t *testing.T) {
		a := &sqlArgs{}
		clause := buildChartFilter(model.ChartFilter{MachineIDPattern: "^door", StateValueEquals: "open"}, a)
		assert.Equal(t, "machine_id ~ $1 AND state->>'value' = $2", clause)
		assert.Equal(t, []any{"^door", "open"}, a.args)
	})

	t.Run("or branch wraps in parens", func(t *testing.T) {
		a := &sqlArgs{}
		clause := buildChartFilter(model.ChartFilter{
			Or: []model.ChartFilter{
				{StateValueEquals: "open"},
				{StateValueEquals: "closed"},
			},
		}, a)
		assert.Equal(t, "((state->>'value' = $1) OR (state->>'value' = $2))", clause)
	})

	t.Run("not negates its child", func(t *testing.T) {
		a := &sqlArgs{}
		notFilter := model.ChartFilter{StateValueEquals: "open"}
		clause := buildChartFilter(model.ChartFilter{Not: &notFilter}, a)
		assert.Equal(t, "NOT (state->>'value' = $1)", clause)
	})

	t.Run("external id pattern emits exists subquery", func(t *testing.T) {
		a := &sqlArgs{}
		clause := buildChartFilter(model.ChartFilter{ExternalIDPatterns: map[string]string{"orderId": "^o-"}}, a)
		assert.Contains(t, clause, "EXISTS (SELECT 1 FROM xjog_external_ids")
		assert.Equal(t, []any{"orderId", "^o-"}, a.args)
	})
}

func TestBuildJournalQuery(t *testing.T) {
	t.Run("ref constrains machine and chart", func(t *testing.T) {
		a := &sqlArgs{}
		ref := model.NewChartReference("door", "c1")
		where, orderLimit := buildJournalQuery(model.JournalQuery{Ref: &ref}, a)
		assert.Equal(t, "j.machine_id = $1 AND j.chart_id = $2", where)
		assert.Equal(t, "ORDER BY j.id ASC", orderLimit)
	})

	t.Run("desc order with limit and offset", func(t *testing.T) {
		a := &sqlArgs{}
		_, orderLimit := buildJournalQuery(model.JournalQuery{Order: model.OrderDesc, Limit: 10, Offset: 5}, a)
		assert.Equal(t, "ORDER BY j.id DESC LIMIT $1 OFFSET $2", orderLimit)
	})

	t.Run("id bounds all apply", func(t *testing.T) {
		a := &sqlArgs{}
		after, before := int64(5), int64(50)
		where, _ := buildJournalQuery(model.JournalQuery{ID: model.IDBound{After: &after, BeforeAndIncluding: &before}}, a)
		assert.Equal(t, "j.id > $1 AND j.id <= $2", where)
	})
}
