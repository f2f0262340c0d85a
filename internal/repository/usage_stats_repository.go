package repository

import (
	"context"
	"fmt"
	"strings"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"

	"gorm.io/gorm"
)

// GroupBy selects the label of grouped statistics.
type GroupBy string

const (
	GroupByModel   GroupBy = "model"
	GroupByAccount GroupBy = "account"
)

type UsageStatsRepository interface {
	// Summarize counts the events matching filter and sums the given
	// detail fields.
	Summarize(ctx context.Context, filter UsageFilter, sumFields []string) (*models.WindowStats, error)
	// Group returns the same aggregates broken down per label.
	Group(ctx context.Context, filter UsageFilter, groupBy GroupBy, sumFields []string) ([]models.GroupStat, error)
}

type usageStatsRepository struct {
	db *gorm.DB
}

func NewUsageStatsRepository(db *gorm.DB) UsageStatsRepository {
	return &usageStatsRepository{
		db: db,
	}
}

func (r *usageStatsRepository) Summarize(ctx context.Context, filter UsageFilter, sumFields []string) (*models.WindowStats, error) {
	row := map[string]interface{}{}
	err := applyUsageFilter(r.db.WithContext(ctx).Model(&models.ResourceUsageEvent{}), filter).
		Select(aggregateColumns(sumFields)).
		Take(&row).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to summarize usage")
	}

	return &models.WindowStats{
		Count:         toInt64(row["count"]),
		DistinctUsers: toInt64(row["distinct_users"]),
		Sums:          collectSums(row, sumFields),
	}, nil
}

func (r *usageStatsRepository) Group(ctx context.Context, filter UsageFilter, groupBy GroupBy, sumFields []string) ([]models.GroupStat, error) {
	label, err := labelExpression(filter.Type, groupBy)
	if err != nil {
		return nil, err
	}

	var rows []map[string]interface{}
	err = applyUsageFilter(r.db.WithContext(ctx).Model(&models.ResourceUsageEvent{}), filter).
		Select(fmt.Sprintf("COALESCE(%s, '') as label, %s", label, aggregateColumns(sumFields))).
		Group("label").
		Order("count DESC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to group usage")
	}

	groups := make([]models.GroupStat, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, models.GroupStat{
			Label:         fmt.Sprint(row["label"]),
			Count:         toInt64(row["count"]),
			DistinctUsers: toInt64(row["distinct_users"]),
			Sums:          collectSums(row, sumFields),
		})
	}
	return groups, nil
}

func labelExpression(t models.InstanceType, groupBy GroupBy) (string, error) {
	switch groupBy {
	case GroupByModel:
		return fmt.Sprintf("detail->>'%s'", t.ModelField()), nil
	case GroupByAccount:
		return "instance_id", nil
	}
	return "", errors.Invalid("unknown grouping " + string(groupBy))
}

// aggregateColumns builds the select list. Field names come from the closed
// InstanceType.SumFields table, never from callers.
func aggregateColumns(sumFields []string) string {
	cols := []string{"COUNT(*) as count", "COUNT(DISTINCT user_id) as distinct_users"}
	for _, field := range sumFields {
		cols = append(cols, fmt.Sprintf("COALESCE(SUM((detail->>'%s')::bigint), 0)::bigint as sum_%s", field, field))
	}
	return strings.Join(cols, ", ")
}

func collectSums(row map[string]interface{}, sumFields []string) map[string]int64 {
	sums := make(map[string]int64, len(sumFields))
	for _, field := range sumFields {
		sums[field] = toInt64(row["sum_"+field])
	}
	return sums
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case []byte:
		var out int64
		fmt.Sscan(string(n), &out)
		return out
	case string:
		var out int64
		fmt.Sscan(n, &out)
		return out
	}
	return 0
}
