// Package api is the operator-facing HTTP surface: a read-only view over
// ingest runs, materializations and roots, the IFTTT new-follow webhook, a
// health endpoint, and a websocket stream of membership change events. All
// state comes from the store; the API never computes anything itself.
package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawgraph/asset-engine/internal/engine"
	"github.com/rawgraph/asset-engine/internal/ingest"
	"github.com/rawgraph/asset-engine/internal/store"
	"github.com/rawgraph/asset-engine/internal/upstream"
	"github.com/rawgraph/asset-engine/pkg/models"
)

// Config carries the API tokens, CORS allowlist, and the public-route
// request budget.
type Config struct {
	// AuthToken protects the read endpoints; empty disables auth.
	AuthToken string
	// WebhookToken gates the IFTTT webhook via ?token=.
	WebhookToken string
	// AllowedOrigins is a comma-separated CORS allowlist; empty means "*".
	AllowedOrigins string
	// PublicRatePerMin / PublicRateBurst bound per-IP traffic on the
	// unauthenticated routes (webhook, stream). Zero picks the defaults.
	PublicRatePerMin int
	PublicRateBurst  int
}

const (
	defaultPublicRatePerMin = 60
	defaultPublicRateBurst  = 10
)

type Handler struct {
	store  store.Store
	ingest *ingest.Service
	engine *engine.Engine
	hub    *Hub
	cfg    Config
}

func SetupRouter(st store.Store, ing *ingest.Service, eng *engine.Engine, hub *Hub, cfg Config) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	h := &Handler{store: st, ingest: ing, engine: eng, hub: hub, cfg: cfg}

	ratePerMin := cfg.PublicRatePerMin
	if ratePerMin <= 0 {
		ratePerMin = defaultPublicRatePerMin
	}
	burst := cfg.PublicRateBurst
	if burst <= 0 {
		burst = defaultPublicRateBurst
	}
	public := NewRateLimiter(ratePerMin, burst)

	v1 := r.Group("/v1")
	{
		v1.GET("/health", h.handleHealth)
		// The unauthenticated routes carry the per-IP budget; the read
		// endpoints are already gated by the bearer token.
		v1.GET("/stream", public.Middleware(), hub.Subscribe)
		v1.POST("/webhooks/ifttt/new-follow", public.Middleware(), h.handleWebhookFollow)

		reads := v1.Group("", AuthMiddleware(cfg.AuthToken))
		{
			reads.GET("/ingest/:kind/:id", h.handleGetIngestRun)
			reads.GET("/materializations/:id", h.handleGetMaterialization)
			reads.GET("/roots", h.handleListRoots)
		}
	}

	return r
}

func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// ---- read endpoints ----------------------------------------------------

// ingestKindBySegment maps the URL segment to the persisted run kind.
var ingestKindBySegment = map[string]models.IngestKind{
	"followers":  models.IngestUserFollowers,
	"followings": models.IngestUserFollowings,
	"posts":      models.IngestUsersPosts,
}

func (h *Handler) handleGetIngestRun(c *gin.Context) {
	kind, ok := ingestKindBySegment[c.Param("kind")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown ingest kind"})
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run id"})
		return
	}

	run, err := h.store.GetIngestRun(c.Request.Context(), kind, id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Ingest run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ingestRunView(run))
}

func (h *Handler) handleGetMaterialization(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid materialization id"})
		return
	}

	mat, err := h.store.GetMaterialization(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Materialization not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, materializationView(mat))
}

func (h *Handler) handleListRoots(c *gin.Context) {
	roots, err := h.store.ListRoots(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(roots))
	for _, r := range roots {
		out = append(out, rootView(r))
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *Handler) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":    "operational",
		"wsClients": h.hub.ClientCount(),
	}
	if h.engine != nil {
		if stats := h.engine.LastTickStats(); stats != nil {
			body["lastTick"] = gin.H{
				"tickId":       stats.TickID,
				"targets":      stats.Targets,
				"materialized": stats.Materialized,
				"unchanged":    stats.Unchanged,
				"deferred":     stats.Deferred,
				"skipped":      stats.Skipped,
				"failed":       stats.Failed,
			}
		}
	}
	c.JSON(http.StatusOK, body)
}

// ---- webhook -----------------------------------------------------------

type webhookFollowRequest struct {
	LinkToProfile string `json:"LinkToProfile"`
}

// handleWebhookFollow records an IFTTT "new follower" delivery. The payload
// carries a profile link; the handle is its last path segment.
func (h *Handler) handleWebhookFollow(c *gin.Context) {
	if h.cfg.WebhookToken == "" ||
		subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(h.cfg.WebhookToken)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid webhook token"})
		return
	}

	var req webhookFollowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	handle, err := handleFromProfileLink(req.LinkToProfile)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	runID, err := h.ingest.RecordWebhookFollow(c.Request.Context(), handle)
	if err != nil {
		status, body := webhookErrorResponse(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runId": strconv.FormatInt(runID, 10), "handle": handle})
}

// handleFromProfileLink extracts the handle from a profile URL such as
// "https://twitter.com/somebody" or a bare "@somebody".
func handleFromProfileLink(link string) (string, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", errors.New("LinkToProfile is empty")
	}
	if strings.HasPrefix(link, "@") {
		if len(link) == 1 {
			return "", errors.New("LinkToProfile has no handle")
		}
		return link[1:], nil
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", errors.New("LinkToProfile is not a valid URL")
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	handle := strings.TrimPrefix(segments[len(segments)-1], "@")
	if handle == "" {
		return "", errors.New("LinkToProfile has no handle")
	}
	return handle, nil
}

// webhookErrorResponse maps the upstream error taxonomy onto webhook HTTP
// statuses.
func webhookErrorResponse(err error) (int, gin.H) {
	var rateErr *upstream.RateLimitError
	if errors.As(err, &rateErr) {
		body := gin.H{"error": "Upstream rate limited"}
		if rateErr.RetryAfterSeconds > 0 {
			body["retryAfter"] = rateErr.RetryAfterSeconds
		}
		return http.StatusServiceUnavailable, body
	}
	var reqErr *upstream.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Status == http.StatusNotFound {
			return http.StatusNotFound, gin.H{"error": "Profile not found upstream"}
		}
		return http.StatusUnprocessableEntity, gin.H{"error": "Upstream rejected the profile lookup"}
	}
	var unexpected *upstream.UnexpectedResponseError
	if errors.As(err, &unexpected) {
		return http.StatusBadGateway, gin.H{"error": "Upstream returned an unexpected response"}
	}
	var transport *upstream.TransportError
	if errors.As(err, &transport) || errors.Is(err, ingest.ErrConflict) {
		return http.StatusServiceUnavailable, gin.H{"error": "Temporarily unable to record follow"}
	}
	return http.StatusInternalServerError, gin.H{"error": err.Error()}
}

// ---- views -------------------------------------------------------------

// IDs serialize as decimal strings so 64-bit values survive JSON consumers.

func ingestRunView(run *models.IngestRun) gin.H {
	body := gin.H{
		"id":              strconv.FormatInt(run.ID, 10),
		"kind":            run.Kind,
		"targetUserId":    strconv.FormatInt(run.TargetUserID, 10),
		"status":          run.Status,
		"syncMode":        run.SyncMode,
		"cursorExhausted": run.CursorExhausted,
		"startedAt":       run.StartedAt.UTC().Format(time.RFC3339),
	}
	if run.SyncedSince != nil {
		body["syncedSince"] = run.SyncedSince.UTC().Format(time.RFC3339)
	}
	if run.CompletedAt != nil {
		body["completedAt"] = run.CompletedAt.UTC().Format(time.RFC3339)
	}
	if run.LastAPIStatus != nil {
		body["lastApiStatus"] = *run.LastAPIStatus
	}
	if run.LastAPIError != nil {
		body["lastApiError"] = *run.LastAPIError
	}
	if run.RequestedByID != nil {
		body["requestedBy"] = strconv.FormatInt(*run.RequestedByID, 10)
	}
	return body
}

func materializationView(mat *models.Materialization) gin.H {
	body := gin.H{
		"id":             strconv.FormatInt(mat.ID, 10),
		"instanceId":     strconv.FormatInt(mat.InstanceID, 10),
		"slug":           mat.Slug,
		"status":         mat.Status,
		"outputRevision": strconv.FormatInt(mat.OutputRevision, 10),
		"inputsHash":     mat.InputsHash,
		"depRevHash":     mat.DepRevHash,
		"triggerReason":  mat.TriggerReason,
		"startedAt":      mat.StartedAt.UTC().Format(time.RFC3339),
	}
	if mat.CompletedAt != nil {
		body["completedAt"] = mat.CompletedAt.UTC().Format(time.RFC3339)
	}
	if mat.ErrorPayload != nil {
		body["error"] = *mat.ErrorPayload
	}
	return body
}

func rootView(r store.RootTarget) gin.H {
	body := gin.H{
		"rootId":     strconv.FormatInt(r.RootID, 10),
		"instanceId": strconv.FormatInt(r.InstanceID, 10),
		"slug":       r.Params.Slug,
		"paramsHash": r.Params.ParamsHash,
	}
	if r.Params.StableKey != nil {
		body["stableKey"] = *r.Params.StableKey
	}
	if r.Params.SubjectExternalID != nil {
		body["subjectExternalId"] = strconv.FormatInt(*r.Params.SubjectExternalID, 10)
	}
	if r.Params.SourceSegmentParamsID != nil {
		body["sourceSegmentParamsId"] = strconv.FormatInt(*r.Params.SourceSegmentParamsID, 10)
	}
	if r.Params.FanoutSourceParamsHash != nil {
		body["fanoutSourceParamsHash"] = *r.Params.FanoutSourceParamsHash
	}
	return body
}
