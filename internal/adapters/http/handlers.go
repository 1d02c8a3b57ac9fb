package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/delpha/deckroom/internal/app"
	"github.com/delpha/deckroom/internal/core"
	"github.com/delpha/deckroom/internal/domain"
	"github.com/delpha/deckroom/internal/store"
)

type Handlers struct {
	Store    *store.Store
	Registry *app.SessionRegistry
	Router   *app.EventRouter
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (h *Handlers) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.Registry.List()})
}

type documentListItem struct {
	store.DocumentSummary
	OnlineUsers int `json:"online_users"`
}

func (h *Handlers) ListDocuments(c *gin.Context) {
	summaries, err := h.Store.ListDocuments(c.Request.Context(), 50)
	if err != nil {
		log.Error().Str("module", "adapters.http").Err(err).Msg("list documents")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch presentations"})
		return
	}
	items := make([]documentListItem, 0, len(summaries))
	for _, ds := range summaries {
		items = append(items, documentListItem{
			DocumentSummary: ds,
			OnlineUsers:     h.Registry.OnlineCount(ds.ID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"presentations": items, "total": len(items)})
}

func (h *Handlers) CreateDocument(c *gin.Context) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		CreatedBy   string `json:"created_by" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "creator nickname is required"})
		return
	}
	doc, err := h.Store.CreateDocument(c.Request.Context(), req.Title, req.Description, req.CreatedBy)
	if err != nil {
		status, reason := mapStoreError(err)
		c.JSON(status, gin.H{"error": reason})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"presentation": doc})
}

func (h *Handlers) GetDocument(c *gin.Context) {
	id := domain.DocumentID(c.Param("id"))
	doc, err := h.Store.FetchDocument(c.Request.Context(), id)
	if err != nil {
		status, reason := mapStoreError(err)
		c.JSON(status, gin.H{"error": reason})
		return
	}
	if err := h.Store.TouchActivity(c.Request.Context(), id); err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("touch activity")
	}
	c.JSON(http.StatusOK, gin.H{
		"presentation": doc,
		"online_users": h.Registry.OnlineCount(id),
	})
}

func (h *Handlers) UpdateDocument(c *gin.Context) {
	id := domain.DocumentID(c.Param("id"))
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		RequestedBy string `json:"requested_by" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	doc, ok := h.authorize(c, id, req.RequestedBy, domain.Role.CanEdit)
	if !ok {
		return
	}
	if req.Title == "" {
		req.Title = doc.Title
	}
	if err := h.Store.UpdateDocumentMeta(c.Request.Context(), id, req.Title, req.Description); err != nil {
		status, reason := mapStoreError(err)
		c.JSON(status, gin.H{"error": reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "presentation updated"})
}

// DeleteDocument is creator-only; an open room for the document is
// torn down by clients failing their next refetch.
func (h *Handlers) DeleteDocument(c *gin.Context) {
	id := domain.DocumentID(c.Param("id"))
	requestedBy := c.Query("requested_by")
	doc, err := h.Store.FetchDocument(c.Request.Context(), id)
	if err != nil {
		status, reason := mapStoreError(err)
		c.JSON(status, gin.H{"error": reason})
		return
	}
	if doc.CreatedBy != requestedBy {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the creator can delete this presentation"})
		return
	}
	if err := h.Store.DeleteDocument(c.Request.Context(), id); err != nil {
		status, reason := mapStoreError(err)
		c.JSON(status, gin.H{"error": reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "presentation deleted"})
}

func (h *Handlers) UpdateSettings(c *gin.Context) {
	id := domain.DocumentID(c.Param("id"))
	var req struct {
		Settings    domain.Settings `json:"settings"`
		RequestedBy string          `json:"requested_by" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	doc, ok := h.authorize(c, id, req.RequestedBy, isCreator)
	if !ok {
		return
	}
	if req.Settings.MaxParticipants <= 0 {
		req.Settings.MaxParticipants = domain.DefaultMaxParticipants
	}
	if err := h.Store.UpdateSettings(c.Request.Context(), id, req.Settings); err != nil {
		status, reason := mapStoreError(err)
		c.JSON(status, gin.H{"error": reason})
		return
	}
	view := doc.AccessView()
	view.Settings = req.Settings
	h.Router.SettingsChanged(id, view)
	c.JSON(http.StatusOK, gin.H{"settings": req.Settings})
}

func (h *Handlers) AddSlide(c *gin.Context) {
	id := domain.DocumentID(c.Param("id"))
	var req struct {
		Title       string `json:"title"`
		RequestedBy string `json:"requested_by" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	if _, ok := h.authorize(c, id, req.RequestedBy, domain.Role.CanEdit); !ok {
		return
	}
	slide, err := h.Store.AddSlide(c.Request.Context(), id, req.Title)
	if err != nil {
		status, reason := mapStoreError(err)
		c.JSON(status, gin.H{"error": reason})
		return
	}
	if room, ok := h.Registry.Get(id); ok {
		room.BumpSlideCount(1)
	}
	c.JSON(http.StatusCreated, gin.H{"slide": slide})
}

func (h *Handlers) DeleteSlide(c *gin.Context) {
	id := domain.DocumentID(c.Param("id"))
	slideID := domain.SlideID(c.Param("slideId"))
	requestedBy := c.Query("requested_by")
	if _, ok := h.authorize(c, id, requestedBy, domain.Role.CanEdit); !ok {
		return
	}
	if err := h.Store.DeleteSlide(c.Request.Context(), id, slideID); err != nil {
		status, reason := mapStoreError(err)
		c.JSON(status, gin.H{"error": reason})
		return
	}
	if room, ok := h.Registry.Get(id); ok {
		room.BumpSlideCount(-1)
	}
	c.JSON(http.StatusOK, gin.H{"message": "slide deleted"})
}

func (h *Handlers) GrantAccess(c *gin.Context) {
	id := domain.DocumentID(c.Param("id"))
	var req struct {
		Name        string `json:"name" binding:"required"`
		Role        string `json:"role" binding:"required"`
		RequestedBy string `json:"requested_by" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	if _, ok := h.authorize(c, id, req.RequestedBy, isCreator); !ok {
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be editor or viewer"})
		return
	}
	au := domain.NewAuthorizedUser(req.Name, role, req.RequestedBy)
	if err := h.Store.GrantAccess(c.Request.Context(), id, au); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "user already authorized"})
			return
		}
		status, reason := mapStoreError(err)
		c.JSON(status, gin.H{"error": reason})
		return
	}
	h.refreshAccess(c, id)
	c.JSON(http.StatusCreated, gin.H{"authorized_user": au})
}

func (h *Handlers) RevokeAccess(c *gin.Context) {
	id := domain.DocumentID(c.Param("id"))
	nickname := c.Param("nickname")
	requestedBy := c.Query("requested_by")
	if _, ok := h.authorize(c, id, requestedBy, isCreator); !ok {
		return
	}
	if err := h.Store.RevokeAccess(c.Request.Context(), id, nickname); err != nil {
		status, reason := mapStoreError(err)
		c.JSON(status, gin.H{"error": reason})
		return
	}
	h.refreshAccess(c, id)
	c.JSON(http.StatusOK, gin.H{"message": "access revoked"})
}

// authorize fetches the document and checks the requester's resolved
// role with the supplied predicate. Identity is the self-asserted
// display name; there is no authentication beyond it.
func (h *Handlers) authorize(c *gin.Context, id domain.DocumentID, requestedBy string, allowed func(domain.Role) bool) (*domain.Document, bool) {
	if requestedBy == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "requester nickname is required"})
		return nil, false
	}
	doc, err := h.Store.FetchDocument(c.Request.Context(), id)
	if err != nil {
		status, reason := mapStoreError(err)
		c.JSON(status, gin.H{"error": reason})
		return nil, false
	}
	role := domain.ResolveRole(doc.AccessView(), requestedBy)
	if !allowed(role) {
		c.JSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
		return nil, false
	}
	return doc, true
}

func (h *Handlers) refreshAccess(c *gin.Context, id domain.DocumentID) {
	doc, err := h.Store.FetchDocument(c.Request.Context(), id)
	if err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("refetch after access change")
		return
	}
	h.Router.AccessChanged(id, doc.AccessView())
}

func isCreator(r domain.Role) bool { return r == domain.RoleCreator }

func mapStoreError(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "presentation not found"
	case errors.Is(err, core.ErrLastSlide):
		return http.StatusBadRequest, "cannot delete the last slide"
	case errors.Is(err, domain.ErrNicknameEmpty), errors.Is(err, domain.ErrNicknameTooLong):
		return http.StatusBadRequest, "invalid nickname"
	case errors.Is(err, domain.ErrTitleTooLong):
		return http.StatusBadRequest, "title too long"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
