package handlers

import (
	"github.com/gin-gonic/gin"

	"langtest-server/db"
	"langtest-server/exam"
	"langtest-server/storage"
)

// Deps is everything the route handlers need.
type Deps struct {
	Store         db.Store
	Service       *exam.Service
	Audio         storage.AudioStore
	MaxAudioBytes int64
	ReferenceFile string
}

// RegisterAPI mounts the learner-facing routes on rg (normally /api).
func RegisterAPI(rg *gin.RouterGroup, d Deps) {
	rg.GET("/health", Health())
	rg.GET("/ready", Ready(d.Store))

	rg.POST("/sessions", CreateSession(d.Store))
	rg.GET("/sessions/:sessionId", GetSession(d.Store))

	rg.POST("/api-keys", SaveAPIKey(d.Service, d.Store))
	rg.GET("/api-keys/:sessionId", ListAPIKeys(d.Service, d.Store))
	rg.DELETE("/api-keys/:keyId", DeleteAPIKey(d.Service, d.Store))

	rg.POST("/tests", StartTest(d.Service))
	rg.POST("/tests/:testId/responses", SubmitResponse(d.Service, d.Audio, d.MaxAudioBytes))
	rg.POST("/tests/:testId/complete", CompleteTest(d.Service))

	rg.POST("/ai/generate-content", GenerateContent(d.Service))
	rg.POST("/ai/evaluate", Evaluate(d.Service))
}

// RegisterAdmin mounts the operator routes. Authentication is the caller's job.
func RegisterAdmin(rg *gin.RouterGroup, d Deps) {
	rg.GET("/dashboard", AdminDashboard(d.Store))
	rg.GET("/stats", AdminStats(d.Store))
	rg.POST("/reference/sync", AdminSyncReference(d.Store, d.ReferenceFile))
}
