package server

import (
	"errors"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/MarcoPoloResearchLab/notevault/internal/errs"
	"github.com/MarcoPoloResearchLab/notevault/internal/metrics"
	"github.com/MarcoPoloResearchLab/notevault/internal/notes"
	"github.com/MarcoPoloResearchLab/notevault/internal/uploads"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	uploadOutcomeAccepted = "accepted"
	uploadOutcomeRejected = "rejected"
)

type voteRequestPayload struct {
	Type *int `json:"type"`
}

type voteResponsePayload struct {
	Success bool  `json:"success"`
	Votes   int64 `json:"votes"`
}

type createNoteResponsePayload struct {
	ID      uint64 `json:"id"`
	Success bool   `json:"success"`
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	result, err := h.notesService.ListNotes(c.Request.Context(), notes.Filter{
		Course:  c.Query("course"),
		Subject: c.Query("subject"),
		Tag:     c.Query("tags"),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	noteID, err := notes.ParseNoteID(c.Param("id"))
	if err != nil {
		respondBadRequest(c, "invalid_note_id")
		return
	}
	note, err := h.notesService.GetNote(c.Request.Context(), noteID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	authorID, err := notes.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if !parseMultipart(c) {
		return
	}
	input := notes.NoteInput{
		Title:       c.PostForm("title"),
		Description: c.PostForm("description"),
		Course:      c.PostForm("course"),
		Subject:     c.PostForm("subject"),
		Tags:        c.PostForm("tags"),
	}
	if err := input.Validate(); err != nil {
		respondBadRequest(c, "invalid_input")
		return
	}

	stored, ok := h.acceptUpload(c, uploads.NamespaceNotes, "file")
	if !ok {
		return
	}

	noteID, err := h.notesService.CreateNote(c.Request.Context(), authorID, input, notes.StoredFile{
		FileName:         stored.FileName,
		OriginalFilename: stored.OriginalFilename,
		ContentType:      stored.ContentType,
		SizeBytes:        stored.SizeBytes,
	})
	if err != nil {
		h.removeBlob(c, uploads.NamespaceNotes, stored.FileName)
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createNoteResponsePayload{ID: noteID.Uint64(), Success: true})
}

func (h *httpHandler) handleVote(c *gin.Context) {
	noteID, err := notes.ParseNoteID(c.Param("id"))
	if err != nil {
		respondBadRequest(c, "invalid_note_id")
		return
	}

	var request voteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Type == nil {
		respondBadRequest(c, "invalid_request")
		return
	}
	kind, err := notes.ParseVoteKind(*request.Type)
	if err != nil {
		respondBadRequest(c, "invalid_vote_type")
		return
	}
	voterID, err := notes.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	result, err := h.notesService.CastVote(c.Request.Context(), noteID, voterID, kind)
	if err != nil {
		h.respondError(c, err)
		return
	}
	metrics.RecordVote(result.Kind.String())
	c.JSON(http.StatusOK, voteResponsePayload{Success: true, Votes: result.Score})
}

func (h *httpHandler) handleDownloadNote(c *gin.Context) {
	fileName := c.Param("filename")
	note, err := h.notesService.GetNoteByFileName(c.Request.Context(), fileName)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.streamBlob(c, uploads.NamespaceNotes, note.FileName, "attachment", note.OriginalFilename)
}

// parseMultipart reads the multipart body, answering 400 when it is malformed or oversized.
func parseMultipart(c *gin.Context) bool {
	err := c.Request.ParseMultipartForm(multipartMemoryBytes)
	if err == nil {
		return true
	}
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		respondBadRequest(c, "file_too_large")
		return false
	}
	respondBadRequest(c, "invalid_request")
	return false
}

// acceptUpload reads one multipart file field and hands it to the upload gateway.
func (h *httpHandler) acceptUpload(c *gin.Context, namespace uploads.Namespace, field string) (uploads.Stored, bool) {
	header, err := c.FormFile(field)
	if err != nil {
		metrics.RecordUpload(string(namespace), uploadOutcomeRejected, 0)
		respondBadRequest(c, "missing_file")
		return uploads.Stored{}, false
	}

	stored, err := h.storeFormFile(c, namespace, header)
	if err != nil {
		metrics.RecordUpload(string(namespace), uploadOutcomeRejected, 0)
		h.respondError(c, err)
		return uploads.Stored{}, false
	}
	metrics.RecordUpload(string(namespace), uploadOutcomeAccepted, stored.SizeBytes)
	return stored, true
}

func (h *httpHandler) storeFormFile(c *gin.Context, namespace uploads.Namespace, header *multipart.FileHeader) (uploads.Stored, error) {
	file, err := header.Open()
	if err != nil {
		return uploads.Stored{}, errs.New("server.upload", "open_failed", errs.ErrValidation, err)
	}
	defer file.Close()

	return h.uploads.Accept(c.Request.Context(), namespace, uploads.Upload{
		OriginalFilename: header.Filename,
		ContentType:      header.Header.Get("Content-Type"),
		Size:             header.Size,
		Content:          file,
	})
}

func (h *httpHandler) removeBlob(c *gin.Context, namespace uploads.Namespace, fileName string) {
	if err := h.uploads.Remove(c.Request.Context(), namespace, fileName); err != nil {
		h.logger.Warn("failed to remove stored blob",
			zap.String("namespace", string(namespace)),
			zap.String("file_name", fileName),
			zap.Error(err))
	}
}

// streamBlob writes a stored blob with the given disposition and download name.
func (h *httpHandler) streamBlob(c *gin.Context, namespace uploads.Namespace, fileName, disposition, downloadName string) {
	reader, info, err := h.uploads.Open(c.Request.Context(), namespace, fileName)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer reader.Close()

	if downloadName == "" {
		downloadName = fileName
	}
	headers := map[string]string{
		"Content-Disposition": mime.FormatMediaType(disposition, map[string]string{"filename": downloadName}),
		"Cache-Control":       "private, max-age=3600",
	}
	c.DataFromReader(http.StatusOK, info.Size, info.ContentType, reader, headers)
}
