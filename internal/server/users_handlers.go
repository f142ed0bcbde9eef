package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/notevault/internal/notes"
	"github.com/MarcoPoloResearchLab/notevault/internal/uploads"
	"github.com/gin-gonic/gin"
)

type profileUpdatePayload struct {
	Bio string `json:"bio"`
}

type banRequestPayload struct {
	Reason string `json:"reason"`
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	user, err := h.usersService.Profile(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var request profileUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBadRequest(c, "invalid_request")
		return
	}
	if err := h.usersService.UpdateBio(c.Request.Context(), c.GetString(userIDContextKey), request.Bio); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleProfilePicture(c *gin.Context) {
	if !parseMultipart(c) {
		return
	}
	stored, ok := h.acceptUpload(c, uploads.NamespaceProfiles, "picture")
	if !ok {
		return
	}

	previous, err := h.usersService.SetAvatar(c.Request.Context(), c.GetString(userIDContextKey), stored.FileName)
	if err != nil {
		h.removeBlob(c, uploads.NamespaceProfiles, stored.FileName)
		h.respondError(c, err)
		return
	}
	if previous != "" && previous != stored.FileName {
		h.removeBlob(c, uploads.NamespaceProfiles, previous)
	}
	c.JSON(http.StatusOK, gin.H{"filename": stored.FileName})
}

func (h *httpHandler) handleAvatar(c *gin.Context) {
	h.streamBlob(c, uploads.NamespaceProfiles, c.Param("filename"), "inline", "")
}

func (h *httpHandler) handleMyNotes(c *gin.Context) {
	authorID, err := notes.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	result, err := h.notesService.ListNotesByAuthor(c.Request.Context(), authorID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleAdminListUsers(c *gin.Context) {
	result, err := h.usersService.ListUsers(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleAdminBan(c *gin.Context) {
	var request banRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			respondBadRequest(c, "invalid_request")
			return
		}
	}
	err := h.usersService.Ban(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), request.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleAdminUnban(c *gin.Context) {
	if err := h.usersService.Unban(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleAdminListBans(c *gin.Context) {
	result, err := h.usersService.ListBans(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleAdminDeleteNote(c *gin.Context) {
	noteID, err := notes.ParseNoteID(c.Param("id"))
	if err != nil {
		respondBadRequest(c, "invalid_note_id")
		return
	}
	deleted, err := h.notesService.DeleteNote(c.Request.Context(), noteID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.removeBlob(c, uploads.NamespaceNotes, deleted.FileName)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
