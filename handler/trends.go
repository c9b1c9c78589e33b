package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	mid "insights/middleware"
	"insights/model/model"
	"insights/model/store/clickhouse"
	U "insights/util"
)

// TeamAccessor Per project configuration read fresh on every request.
type TeamAccessor interface {
	GetTeam(ctx context.Context, projectID int64) (*model.Team, error)
}

// Handler HTTP surface over the trends engine.
type Handler struct {
	store *clickhouse.ClickHouse
	teams TeamAccessor
}

func NewHandler(store *clickhouse.ClickHouse, teams TeamAccessor) *Handler {
	return &Handler{store: store, teams: teams}
}

// TrendsHandler godoc
// POST /projects/:project_id/trends
// Decodes the filter, consults the query cache and runs the trends query.
func (h *Handler) TrendsHandler(c *gin.Context) {
	projectID := U.GetScopeByKeyAsInt64(c, mid.SCOPE_PROJECT)
	if projectID == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid project id."})
		return
	}

	logFields := log.Fields{"project_id": projectID}
	defer model.LogOnSlowExecutionWithParams(time.Now(), &logFields)

	var filter model.Filter
	if err := c.BindJSON(&filter); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid query. Failed to decode filter."})
		return
	}
	if err := filter.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	team, err := h.teams.GetTeam(c.Request.Context(), projectID)
	if err != nil {
		log.WithFields(logFields).WithError(err).Error("Failed to get team for trends query.")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": model.ErrMsgQueryProcessingFailure})
		return
	}

	qdr, err := clickhouse.NewQueryDateRange(&filter, team, U.TimeNowZ(), nil)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	from, to := qdr.From.Unix(), qdr.To.Unix()

	cacheKey, err := filter.GetQueryCacheRedisKey(projectID, from, to, team.TimezoneString())
	if err != nil {
		log.WithFields(logFields).WithError(err).Error("Failed to build query cache key.")
	}

	hardRefresh := c.GetHeader(model.QueryCacheRequestInvalidatedCacheHeader) == "true"
	if cacheKey != nil && !hardRefresh {
		var cached model.TrendsResponse
		cacheResult, errCode := model.GetQueryResultFromCache(cacheKey, &cached)
		if errCode == http.StatusFound {
			cached.IsCached = true
			cached.LastRefresh = cacheResult.RefreshedAt
			c.Header(model.QueryCacheResponseFromCacheHeader, "true")
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	if cacheKey != nil {
		model.SetQueryCachePlaceholder(cacheKey)
	}

	series, errCode, errMsg := h.store.RunTrendsQuery(c.Request.Context(), projectID, &filter, team)
	if errCode != http.StatusOK {
		if cacheKey != nil {
			model.DeleteQueryCacheKey(cacheKey)
		}
		c.AbortWithStatusJSON(errCode, gin.H{"error": errMsg})
		return
	}

	response := model.TrendsResponse{
		Result:   series,
		Timezone: string(team.TimezoneString()),
	}
	if cacheKey != nil {
		model.SetQueryCacheResult(cacheKey, response, to, team.TimezoneString())
	}
	c.JSON(http.StatusOK, response)
}
