package repository

import (
	"context"
	"testing"
	"time"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func TestSummarize(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUsageStatsRepository(db)

	rows := sqlmock.NewRows([]string{"count", "distinct_users", "sum_prompt_tokens", "sum_completion_tokens", "sum_total_tokens"}).
		AddRow(int64(3), int64(2), int64(40), int64(60), int64(100))
	mock.ExpectQuery(`SELECT COUNT\(\*\) as count, COUNT\(DISTINCT user_id\) as distinct_users`).
		WillReturnRows(rows)

	stats, err := repo.Summarize(context.Background(), UsageFilter{
		Type:   models.InstanceTypeMeteredAPI,
		UserID: "u1",
		Since:  time.Now().Add(-time.Hour),
	}, models.InstanceTypeMeteredAPI.SumFields())
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Count)
	assert.Equal(t, int64(2), stats.DistinctUsers)
	assert.Equal(t, int64(100), stats.Sums["total_tokens"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateColumns(t *testing.T) {
	cols := aggregateColumns([]string{"points"})
	assert.Equal(t,
		"COUNT(*) as count, COUNT(DISTINCT user_id) as distinct_users, COALESCE(SUM((detail->>'points')::bigint), 0)::bigint as sum_points",
		cols)
}

func TestLabelExpression(t *testing.T) {
	expr, err := labelExpression(models.InstanceTypePoe, GroupByModel)
	require.NoError(t, err)
	assert.Equal(t, "detail->>'bot_id'", expr)

	expr, err = labelExpression(models.InstanceTypeMeteredAPI, GroupByAccount)
	require.NoError(t, err)
	assert.Equal(t, "instance_id", expr)

	_, err = labelExpression(models.InstanceTypePoe, GroupBy("weekday"))
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestToInt64(t *testing.T) {
	assert.Equal(t, int64(7), toInt64(int64(7)))
	assert.Equal(t, int64(7), toInt64([]byte("7")))
	assert.Equal(t, int64(7), toInt64("7"))
	assert.Equal(t, int64(0), toInt64(nil))
}
