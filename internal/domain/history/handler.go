package history

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tis/notifications/internal/platform/auth"
	"github.com/tis/notifications/pkg/pagination"
)

// Renderer re-renders a stored notification from its pinned template.
type Renderer interface {
	Render(messageType, templateName, version string, vars map[string]any) (subject, body string, err error)
}

// Handler exposes the read-only trainee API over Echo.
type Handler struct {
	svc      *Service
	renderer Renderer
}

// NewHandler creates the trainee history handler.
func NewHandler(svc *Service, renderer Renderer) *Handler {
	return &Handler{svc: svc, renderer: renderer}
}

// RegisterRoutes registers the trainee-facing routes on the given group.
// The group must carry the trainee token middleware.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/history/trainee", h.ListForTrainee)
	g.GET("/history/trainee/message/:id", h.Message)
	g.PUT("/history/trainee/notification/:id/mark-read", h.MarkRead)
	g.PUT("/history/trainee/notification/:id/mark-unread", h.MarkUnread)
	g.PUT("/history/trainee/notification/:id/archive", h.Archive)
	g.DELETE("/history/trainee/notification/:id", h.Delete)
}

// ListItem is one row of the trainee's notification listing.
type ListItem struct {
	ID               string    `json:"id"`
	Channel          string    `json:"channel"`
	NotificationType string    `json:"notificationType"`
	Contact          string    `json:"contact,omitempty"`
	Status           string    `json:"status"`
	SentAt           time.Time `json:"sentAt"`
	SubjectText      string    `json:"subjectText,omitempty"`
}

// ListForTrainee handles GET /history/trainee.
func (h *Handler) ListForTrainee(c echo.Context) error {
	personID := auth.TraineeIDFromContext(c.Request().Context())
	if personID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token does not identify a trainee")
	}

	recs, err := h.svc.ListForTrainee(c.Request().Context(), personID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	params := pagination.FromContext(c)
	lo, hi := params.Bounds(len(recs))

	items := make([]ListItem, 0, hi-lo)
	for _, rec := range recs[lo:hi] {
		item := ListItem{
			ID:               rec.ID.Hex(),
			Channel:          rec.Recipient.Channel,
			NotificationType: rec.Type,
			Contact:          rec.Recipient.Contact,
			Status:           rec.Status,
			SentAt:           rec.SentAt,
		}
		// Subject is cosmetic; a render failure must not break the listing.
		if subject, _, err := h.renderer.Render(rec.Recipient.Channel, rec.Template.Name, rec.Template.Version, rec.Template.Variables); err == nil {
			item.SubjectText = subject
		}
		items = append(items, item)
	}

	c.Response().Header().Set("X-Total-Count", strconv.Itoa(len(recs)))
	return c.JSON(http.StatusOK, items)
}

// Message handles GET /history/trainee/message/:id, returning the record's
// re-rendered HTML body.
func (h *Handler) Message(c echo.Context) error {
	personID := auth.TraineeIDFromContext(c.Request().Context())
	if personID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token does not identify a trainee")
	}

	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid notification id")
	}

	rec, err := h.svc.GetForTrainee(c.Request().Context(), id, personID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}

	_, body, err := h.renderer.Render(rec.Recipient.Channel, rec.Template.Name, rec.Template.Version, rec.Template.Variables)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not render notification")
	}
	return c.HTML(http.StatusOK, body)
}

// MarkRead handles PUT /history/trainee/notification/:id/mark-read.
func (h *Handler) MarkRead(c echo.Context) error {
	return h.updateStatus(c, StatusRead)
}

// MarkUnread handles PUT /history/trainee/notification/:id/mark-unread.
func (h *Handler) MarkUnread(c echo.Context) error {
	return h.updateStatus(c, StatusUnread)
}

// Archive handles PUT /history/trainee/notification/:id/archive.
func (h *Handler) Archive(c echo.Context) error {
	return h.updateStatus(c, StatusArchived)
}

// Delete handles DELETE /history/trainee/notification/:id.
func (h *Handler) Delete(c echo.Context) error {
	personID := auth.TraineeIDFromContext(c.Request().Context())
	if personID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token does not identify a trainee")
	}

	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid notification id")
	}

	if err := h.svc.Delete(c.Request().Context(), id, personID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) updateStatus(c echo.Context, to string) error {
	personID := auth.TraineeIDFromContext(c.Request().Context())
	if personID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "token does not identify a trainee")
	}

	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid notification id")
	}

	rec, err := h.svc.UpdateStatusForTrainee(c.Request().Context(), id, personID, to)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	return c.JSON(http.StatusOK, rec)
}
