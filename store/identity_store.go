package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"mabletask/cdp/models"
)

var ErrIdentityNotFound = errors.New("identity link not found")

const identityDDL = `
	CREATE TABLE IF NOT EXISTS identity_links (
		anonymous_id TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		first_seen   TIMESTAMPTZ NOT NULL,
		last_seen    TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_identity_links_user_id ON identity_links (user_id);
`

// IdentityStore keeps the anonymous_id -> user_id graph in Postgres.
type IdentityStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewIdentityStore(db *sql.DB, logger *zap.Logger) *IdentityStore {
	return &IdentityStore{db: db, logger: logger}
}

func (s *IdentityStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, identityDDL); err != nil {
		return fmt.Errorf("failed to create identity_links: %w", err)
	}
	return nil
}

// LinkIdentities upserts links in one transaction. A later link for the same anonymous ID
// moves it to the new user and keeps first_seen.
func (s *IdentityStore) LinkIdentities(ctx context.Context, links []models.IdentityLink) error {
	if len(links) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO identity_links (anonymous_id, user_id, first_seen, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (anonymous_id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    last_seen = GREATEST(identity_links.last_seen, EXCLUDED.last_seen);
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare identity upsert: %w", err)
	}
	defer stmt.Close()

	for _, link := range links {
		if _, err := stmt.ExecContext(ctx, link.AnonymousID, link.UserID, link.FirstSeen, link.LastSeen); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) {
				return fmt.Errorf("failed to link %s (%s): %w", link.AnonymousID, pqErr.Code.Name(), err)
			}
			return fmt.Errorf("failed to link %s: %w", link.AnonymousID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit identity links: %w", err)
	}

	s.logger.Debug("Linked identities", zap.Int("count", len(links)))
	return nil
}

func (s *IdentityStore) GetLink(ctx context.Context, anonymousID string) (*models.IdentityLink, error) {
	link := &models.IdentityLink{}
	query := `
		SELECT anonymous_id, user_id, first_seen, last_seen
		FROM identity_links
		WHERE anonymous_id = $1;
	`
	err := s.db.QueryRowContext(ctx, query, anonymousID).Scan(
		&link.AnonymousID,
		&link.UserID,
		&link.FirstSeen,
		&link.LastSeen,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to get identity link: %w", err)
	}
	return link, nil
}

// AnonymousIDsFor lists every browser profile linked to any of userIDs.
func (s *IdentityStore) AnonymousIDsFor(ctx context.Context, userIDs []string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT anonymous_id FROM identity_links
		WHERE user_id = ANY($1)
		ORDER BY first_seen ASC;
	`, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query anonymous ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan anonymous id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
