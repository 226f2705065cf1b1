package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mabletask/cdp/database"
	"mabletask/cdp/models"
	"mabletask/cdp/utils"
)

const eventsDDL = `
	CREATE TABLE IF NOT EXISTS analytics_events (
		event_id     String,
		event_type   LowCardinality(String),
		anonymous_id String,
		user_id      String,
		session_id   String,
		timestamp    DateTime64(3, 'UTC'),
		received_at  DateTime64(3, 'UTC'),
		page_url     String,
		page_path    String,
		page_title   String,
		referrer     String,
		user_agent   String,
		language     LowCardinality(String),
		ip_address   String,
		utm          String,
		properties   String,
		traits       String
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (event_type, timestamp, anonymous_id)
`

type AnalyticsStore struct {
	DB     *database.ClickHouseClient
	logger *zap.Logger
}

func NewAnalyticsStore(chClient *database.ClickHouseClient, logger *zap.Logger) *AnalyticsStore {
	return &AnalyticsStore{
		DB:     chClient,
		logger: logger,
	}
}

// EnsureSchema creates the events table when it does not exist yet.
func (s *AnalyticsStore) EnsureSchema(ctx context.Context) error {
	if err := s.DB.Conn.Exec(ctx, eventsDDL); err != nil {
		return fmt.Errorf("failed to create analytics_events: %w", err)
	}
	return nil
}

func (s *AnalyticsStore) InsertEvents(ctx context.Context, rows []models.EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	// Column order must match eventsDDL.
	batch, err := s.DB.Conn.PrepareBatch(ctx, `
		INSERT INTO analytics_events (
			event_id, event_type, anonymous_id, user_id, session_id, timestamp, received_at,
			page_url, page_path, page_title, referrer, user_agent, language, ip_address,
			utm, properties, traits
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}

	appended := 0
	for _, row := range rows {
		err := batch.Append(
			row.EventID,
			row.EventType,
			row.AnonymousID,
			row.UserID,
			row.SessionID,
			row.Timestamp,
			row.ReceivedAt,
			row.PageURL,
			row.PagePath,
			row.PageTitle,
			row.Referrer,
			row.UserAgent,
			row.Language,
			row.IPAddress,
			string(row.UTM),
			string(row.Properties),
			string(row.Traits),
		)
		if err != nil {
			s.logger.Warn("Error appending event to batch", zap.String("event_id", row.EventID), zap.Error(err))
			continue
		}
		appended++
	}

	if appended == 0 {
		_ = batch.Abort()
		return fmt.Errorf("no events could be appended to the batch")
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	s.logger.Debug("Inserted analytics events", zap.Int("count", appended))
	return nil
}

func (s *AnalyticsStore) GetEventCountsOverTime(ctx context.Context, interval string, start, end time.Time, eventTypeFilter string) ([]models.CountByTime, error) {
	if !utils.IsValidInterval(interval) {
		return nil, fmt.Errorf("invalid interval: %s", interval)
	}

	args := []any{start, end}
	selectCols := fmt.Sprintf("toStartOf%s(timestamp) AS time_bucket, count() AS total_events", interval)
	groupByCols := "time_bucket"
	whereClause := "WHERE timestamp >= ? AND timestamp <= ?"
	orderByCols := "time_bucket ASC"
	isFilteringByType := eventTypeFilter != ""

	if isFilteringByType {
		selectCols += ", event_type"
		groupByCols += ", event_type"
		whereClause += " AND event_type = ?"
		args = append(args, eventTypeFilter)
		orderByCols += ", event_type ASC"
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM analytics_events
		%s
		GROUP BY %s
		ORDER BY %s
	`, selectCols, whereClause, groupByCols, orderByCols)

	rows, err := s.DB.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event counts over time: %w", err)
	}
	defer rows.Close()

	var results []models.CountByTime
	for rows.Next() {
		var (
			bucket    time.Time
			count     uint64
			eventType string
			result    models.CountByTime
		)

		if isFilteringByType {
			if err := rows.Scan(&bucket, &count, &eventType); err != nil {
				s.logger.Warn("Error scanning event count row", zap.Error(err))
				continue
			}
			result.EventType = &eventType
		} else if err := rows.Scan(&bucket, &count); err != nil {
			s.logger.Warn("Error scanning event count row", zap.Error(err))
			continue
		}

		result.Time = bucket
		result.Count = count
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row error during event counts over time query: %w", err)
	}

	return results, nil
}

// GetUniqueUsersOverTime counts distinct browser profiles, so identified and anonymous
// visitors are both included.
func (s *AnalyticsStore) GetUniqueUsersOverTime(ctx context.Context, interval string, start, end time.Time) ([]models.CountByTime, error) {
	if !utils.IsValidInterval(interval) {
		return nil, fmt.Errorf("invalid interval: %s", interval)
	}

	query := fmt.Sprintf(`
		SELECT toStartOf%s(timestamp) AS time_bucket, uniq(anonymous_id) AS unique_users
		FROM analytics_events
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY time_bucket
		ORDER BY time_bucket ASC
	`, interval)

	rows, err := s.DB.Conn.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query unique users over time: %w", err)
	}
	defer rows.Close()

	var results []models.CountByTime
	for rows.Next() {
		var bucket time.Time
		var uniqueUsers uint64
		if err := rows.Scan(&bucket, &uniqueUsers); err != nil {
			s.logger.Warn("Error scanning unique users row", zap.Error(err))
			continue
		}
		results = append(results, models.CountByTime{Time: bucket, Count: uniqueUsers})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows for unique users: %w", err)
	}

	return results, nil
}

// GetTopNPagePaths ranks paths by event volume. An empty eventType counts every event.
func (s *AnalyticsStore) GetTopNPagePaths(ctx context.Context, start, end time.Time, eventType string, limit uint64) ([]models.TopPathResult, error) {
	if limit == 0 {
		limit = 10
	}

	args := []any{start, end}
	filter := ""
	if eventType != "" {
		filter = "AND event_type = ?"
		args = append(args, eventType)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT page_path, count() AS view_count
		FROM analytics_events
		WHERE timestamp >= ? AND timestamp <= ? %s
		GROUP BY page_path
		ORDER BY view_count DESC
		LIMIT ?
	`, filter)
	rows, err := s.DB.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top page paths: %w", err)
	}
	defer rows.Close()

	var results []models.TopPathResult
	for rows.Next() {
		var pagePath string
		var count uint64
		if err := rows.Scan(&pagePath, &count); err != nil {
			s.logger.Warn("Error scanning top page path row", zap.Error(err))
			continue
		}
		results = append(results, models.TopPathResult{PagePath: pagePath, Count: count})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows for top page paths: %w", err)
	}

	return results, nil
}
