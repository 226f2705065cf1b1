package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mabletask/cdp/models"
	"mabletask/cdp/tracker"
	"mabletask/cdp/utils"
)

type EventWriter interface {
	InsertEvents(ctx context.Context, rows []models.EventRow) error
}

type IdentityLinker interface {
	LinkIdentities(ctx context.Context, links []models.IdentityLink) error
}

type CollectHandlers struct {
	Events     EventWriter
	Identities IdentityLinker
	logger     *zap.Logger
	now        func() time.Time
}

func NewCollectHandlers(events EventWriter, identities IdentityLinker, logger *zap.Logger) *CollectHandlers {
	return &CollectHandlers{
		Events:     events,
		Identities: identities,
		logger:     logger,
		now:        time.Now,
	}
}

// Collect ingests one tracker batch.
func (h *CollectHandlers) Collect(c *gin.Context) {
	var batch models.Batch
	if err := c.ShouldBindJSON(&batch); err != nil {
		h.logger.Info("Error binding incoming batch", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if len(batch.Batch) == 0 {
		c.Status(http.StatusOK)
		return
	}

	receivedAt := h.now().UTC()
	ip := c.ClientIP()
	rows := make([]models.EventRow, 0, len(batch.Batch))
	var links []models.IdentityLink
	for _, event := range batch.Batch {
		row, err := toRow(event, ip, receivedAt)
		if err != nil {
			h.logger.Warn("Dropping malformed event", zap.String("event", event.Event), zap.Error(err))
			continue
		}
		rows = append(rows, row)
		if link, ok := linkFrom(event); ok {
			links = append(links, link)
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := h.Events.InsertEvents(gctx, rows); err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
		return nil
	})
	if len(links) > 0 && h.Identities != nil {
		g.Go(func() error {
			if err := h.Identities.LinkIdentities(gctx, links); err != nil {
				return fmt.Errorf("link identities: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		h.logger.Error("Error recording batch", zap.Int("events", len(rows)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"accepted": len(rows)})
}

func toRow(e models.Event, ip string, receivedAt time.Time) (models.EventRow, error) {
	if e.Event == "" {
		return models.EventRow{}, fmt.Errorf("event name is empty")
	}
	if e.User.AnonymousID == "" {
		return models.EventRow{}, fmt.Errorf("anonymous_id is empty")
	}

	row := models.EventRow{
		EventID:     e.EventID,
		EventType:   e.Event,
		AnonymousID: e.User.AnonymousID,
		SessionID:   e.Session.ID,
		Timestamp:   e.Timestamp.UTC(),
		ReceivedAt:  receivedAt,
		PageURL:     e.Page.URL,
		PagePath:    e.Page.Path,
		PageTitle:   e.Page.Title,
		Referrer:    e.Page.Referrer,
		UserAgent:   e.Client.UserAgent,
		Language:    e.Client.Language,
		IPAddress:   ip,
	}
	if row.EventID == "" {
		row.EventID = uuid.NewString()
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = receivedAt
	}
	if e.User.UserID != nil {
		row.UserID = *e.User.UserID
	}
	if e.AnonymizeIP {
		row.IPAddress = utils.AnonymizeIP(ip)
	}

	var err error
	if row.UTM, err = rawJSON(e.UTM); err != nil {
		return models.EventRow{}, fmt.Errorf("utm: %w", err)
	}
	if row.Properties, err = rawJSON(e.Properties); err != nil {
		return models.EventRow{}, fmt.Errorf("properties: %w", err)
	}
	if row.Traits, err = rawJSON(e.Traits); err != nil {
		return models.EventRow{}, fmt.Errorf("traits: %w", err)
	}
	return row, nil
}

func rawJSON[M ~map[string]V, V any](m M) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func linkFrom(e models.Event) (models.IdentityLink, bool) {
	if e.Event != tracker.EventUserIdentified || e.User.UserID == nil || *e.User.UserID == "" {
		return models.IdentityLink{}, false
	}
	ts := e.Timestamp.UTC()
	return models.IdentityLink{
		AnonymousID: e.User.AnonymousID,
		UserID:      *e.User.UserID,
		FirstSeen:   ts,
		LastSeen:    ts,
	}, true
}
