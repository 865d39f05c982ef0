package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"langtest-server/db"
	"langtest-server/ingestion"
	"langtest-server/utils"
)

// AdminDashboard renders usage numbers for operators.
// GET /admin/dashboard
func AdminDashboard(store db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := store.DashboardStats(c.Request.Context())
		if err != nil {
			_ = c.Error(utils.Persistence("Failed to load dashboard statistics", err))
			return
		}
		average := "n/a"
		if stats.AverageScore != nil {
			average = strconv.FormatFloat(*stats.AverageScore, 'f', 2, 64)
		}
		c.HTML(http.StatusOK, "admin_dashboard", gin.H{
			"Title":   "Language Test Admin",
			"Stats":   stats,
			"Average": average,
			"Subject": c.GetString("admin_subject"),
		})
	}
}

// AdminStats returns the dashboard numbers as JSON.
// GET /admin/stats
func AdminStats(store db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := store.DashboardStats(c.Request.Context())
		if err != nil {
			_ = c.Error(utils.Persistence("Failed to load dashboard statistics", err))
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// AdminSyncReference reloads languages and test types from the reference file.
// POST /admin/reference/sync
func AdminSyncReference(store db.Store, path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := ingestion.SyncReferenceData(c.Request.Context(), store, path)
		if err != nil {
			_ = c.Error(utils.Persistence("Reference data sync failed", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"languages":  len(data.Languages),
			"test_types": len(data.TestTypes),
		})
	}
}
