package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"github.com/MonkyMars/BlueQuill/backend/internal/store"
)

// DocumentHandler serves the thin JSON CRUD the document list UI calls.
// Content never flows through here; editing happens over the relay.
type DocumentHandler struct {
	docs *store.DocumentStore
}

func NewDocumentHandler(docs *store.DocumentStore) *DocumentHandler {
	return &DocumentHandler{docs: docs}
}

func ownerID(c *gin.Context) (uint64, bool) {
	v, exists := c.Get("userId")
	if !exists {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user context missing"})
		return 0, false
	}
	id, ok := v.(uint64)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

type createDocumentRequest struct {
	Title string `json:"title" binding:"required"`
}

func (h *DocumentHandler) Create(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	doc := store.Document{
		ID:      ulid.Make().String(),
		OwnerID: owner,
		Title:   req.Title,
	}
	if err := h.docs.Create(c.Request.Context(), doc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "CREATE_DOC_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": doc.ID, "title": doc.Title, "ownerId": owner})
}

func (h *DocumentHandler) List(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	docs, err := h.docs.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "LIST_DOCS_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

type renameDocumentRequest struct {
	Title string `json:"title" binding:"required"`
}

func (h *DocumentHandler) Rename(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	var req renameDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.docs.Rename(c.Request.Context(), c.Param("docId"), owner, req.Title)
	if errors.Is(err, store.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "DOCUMENT_NOT_FOUND"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "RENAME_DOC_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": c.Param("docId"), "title": req.Title})
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	owner, ok := ownerID(c)
	if !ok {
		return
	}
	err := h.docs.Delete(c.Request.Context(), c.Param("docId"), owner)
	if errors.Is(err, store.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "DOCUMENT_NOT_FOUND"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "DELETE_DOC_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": c.Param("docId"), "deleted": true})
}
