package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"langtest-server/db"
	"langtest-server/exam"
	"langtest-server/gateway"
	"langtest-server/models"
	"langtest-server/storage"
	"langtest-server/utils"
)

// CreateSession issues a new anonymous session token.
// POST /api/sessions
func CreateSession(store db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := store.CreateUser(c.Request.Context(), uuid.NewString())
		if err != nil {
			_ = c.Error(utils.Persistence("Failed to create session", err))
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session_id": user.SessionID, "user_id": user.ID})
	}
}

// GetSession returns a session and marks it active.
// GET /api/sessions/:sessionId
func GetSession(store db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := store.TouchUser(c.Request.Context(), c.Param("sessionId"))
		if errors.Is(err, db.ErrNotFound) {
			_ = c.Error(utils.NotFound("Session not found"))
			return
		}
		if err != nil {
			_ = c.Error(utils.Persistence("Failed to load session", err))
			return
		}
		c.JSON(http.StatusOK, models.SessionResponse{
			SessionID:  user.SessionID,
			CreatedAt:  user.CreatedAt,
			LastActive: user.LastActive,
		})
	}
}

// SaveAPIKey stores the caller's credential for an external service.
// POST /api/api-keys
func SaveAPIKey(svc *exam.Service, store db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.SaveAPIKeyRequest
		if !bindJSON(c, &req) {
			return
		}
		req.APIKey = strings.TrimSpace(req.APIKey)
		if req.SessionID == "" || req.ServiceName == "" || req.APIKey == "" {
			_ = c.Error(utils.Validation("Session ID, service name, and API key are required"))
			return
		}
		if req.ServiceName == gateway.ServiceName && !utils.ValidAPIKeyFormat(req.APIKey) {
			_ = c.Error(utils.Validation("Invalid API key format"))
			return
		}

		user, err := svc.ResolveUser(c.Request.Context(), req.SessionID)
		if err != nil {
			_ = c.Error(err)
			return
		}
		if err := store.SaveAPIKey(c.Request.Context(), user.ID, req.ServiceName, req.APIKey); err != nil {
			_ = c.Error(utils.Persistence("Failed to save API key", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "API key saved successfully"})
	}
}

// ListAPIKeys lists the caller's keys without their secrets.
// GET /api/api-keys/:sessionId
func ListAPIKeys(svc *exam.Service, store db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := svc.ResolveUser(c.Request.Context(), c.Param("sessionId"))
		if err != nil {
			_ = c.Error(err)
			return
		}
		keys, err := store.ListAPIKeys(c.Request.Context(), user.ID)
		if err != nil {
			_ = c.Error(utils.Persistence("Failed to list API keys", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"api_keys": keys})
	}
}

// DeleteAPIKey removes one of the caller's keys.
// DELETE /api/api-keys/:keyId
func DeleteAPIKey(svc *exam.Service, store db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID, ok := idParam(c, "keyId", "Invalid API key id")
		if !ok {
			return
		}
		var req models.SessionOnlyRequest
		if !bindJSON(c, &req) {
			return
		}
		if req.SessionID == "" {
			_ = c.Error(utils.Validation("Session ID is required"))
			return
		}

		user, err := svc.ResolveUser(c.Request.Context(), req.SessionID)
		if err != nil {
			_ = c.Error(err)
			return
		}
		deleted, err := store.DeleteAPIKey(c.Request.Context(), keyID, user.ID)
		if err != nil {
			_ = c.Error(utils.Persistence("Failed to delete API key", err))
			return
		}
		if !deleted {
			_ = c.Error(utils.NotFound("API key deletion failed"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// StartTest creates a test session with its questions.
// POST /api/tests
func StartTest(svc *exam.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.StartTestRequest
		if !bindJSON(c, &req) {
			return
		}
		out, err := svc.StartTest(c.Request.Context(), exam.StartInput{
			Token:      req.SessionID,
			Language:   req.Language,
			TestType:   req.TestType,
			Difficulty: req.Difficulty,
		})
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusCreated, out)
	}
}

// SubmitResponse records an answer, text or audio, and grades it.
// POST /api/tests/:testId/responses (multipart)
func SubmitResponse(svc *exam.Service, audio storage.AudioStore, maxAudioBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		testID, ok := idParam(c, "testId", "Invalid test id")
		if !ok {
			return
		}
		if err := parseSubmission(c, maxAudioBytes); err != nil {
			_ = c.Error(err)
			return
		}
		questionID, _ := strconv.ParseInt(strings.TrimSpace(c.PostForm("question_id")), 10, 64)

		in := exam.SubmitInput{
			Token:                 c.PostForm("session_id"),
			TestID:                testID,
			QuestionID:            questionID,
			Text:                  c.PostForm("response"),
			ResponseTime:          utils.ParseOptionalFloat(c.PostForm("response_time")),
			TranscriptionRequired: utils.ParseFlag(c.PostForm("transcription_required")),
		}

		ref, err := saveUpload(c, audio, maxAudioBytes)
		if err != nil {
			_ = c.Error(err)
			return
		}
		in.AudioRef = ref

		out, err := svc.SubmitResponse(c.Request.Context(), in)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusCreated, out)
	}
}

// formOverhead is the room left for the text fields and multipart framing around the audio part.
const formOverhead = 64 << 10

// parseSubmission parses the form with the request body capped at the audio limit plus
// formOverhead. An oversized upload is rejected without reading the rest of it.
func parseSubmission(c *gin.Context, maxAudioBytes int64) error {
	limit := maxAudioBytes + formOverhead
	if c.Request.ContentLength > limit {
		return audioTooLarge(maxAudioBytes)
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	if _, err := c.MultipartForm(); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return audioTooLarge(maxAudioBytes)
		}
		return utils.Validation("Invalid form data").WithDetails(err.Error())
	}
	return nil
}

func audioTooLarge(maxAudioBytes int64) error {
	return utils.Validation(fmt.Sprintf("Audio file exceeds the %s limit", utils.FormatByteLimit(maxAudioBytes)))
}

// saveUpload stores the optional "audio" part and returns its reference, or "" if there is none.
func saveUpload(c *gin.Context, audio storage.AudioStore, maxBytes int64) (string, error) {
	fh, err := c.FormFile("audio")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return "", nil
	}
	if err != nil {
		return "", utils.Validation("Invalid audio upload").WithDetails(err.Error())
	}

	contentType := fh.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "audio/") {
		return "", utils.Validation("Only audio files are allowed")
	}
	if fh.Size > maxBytes {
		return "", audioTooLarge(maxBytes)
	}

	f, err := fh.Open()
	if err != nil {
		return "", utils.Persistence("Failed to read audio upload", err)
	}
	defer f.Close()

	name := utils.UploadFileName(time.Now().UnixMilli(), fh.Filename)
	ref, err := audio.Save(c.Request.Context(), name, f, fh.Size, contentType)
	if err != nil {
		return "", utils.Persistence("Failed to store audio upload", err)
	}
	return ref, nil
}

// CompleteTest closes a test and returns its aggregate score.
// POST /api/tests/:testId/complete
func CompleteTest(svc *exam.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		testID, ok := idParam(c, "testId", "Invalid test id")
		if !ok {
			return
		}
		var req models.SessionOnlyRequest
		if !bindJSON(c, &req) {
			return
		}
		out, err := svc.CompleteTest(c.Request.Context(), req.SessionID, testID)
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// GenerateContent exposes question generation directly.
// POST /api/ai/generate-content
func GenerateContent(svc *exam.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.StartTestRequest
		if !bindJSON(c, &req) {
			return
		}
		questions, err := svc.GenerateContent(c.Request.Context(), exam.StartInput{
			Token:      req.SessionID,
			Language:   req.Language,
			TestType:   req.TestType,
			Difficulty: req.Difficulty,
		})
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"questions": questions})
	}
}

// Evaluate grades a free-text response.
// POST /api/ai/evaluate
func Evaluate(svc *exam.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.EvaluateRequest
		if !bindJSON(c, &req) {
			return
		}
		result, err := svc.Evaluate(c.Request.Context(), exam.EvaluateInput{
			Token:      req.SessionID,
			QuestionID: req.QuestionID,
			Response:   req.Response,
			Type:       req.Type,
		})
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// Health is a liveness probe.
// GET /api/health
func Health() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// Ready reports whether the store answers.
// GET /api/ready
func Ready(store db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "message": "Database is not reachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		_ = c.Error(utils.Validation("Invalid request body").WithDetails(err.Error()))
		return false
	}
	return true
}

func idParam(c *gin.Context, name, message string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		_ = c.Error(utils.Validation(message))
		return 0, false
	}
	return id, true
}
