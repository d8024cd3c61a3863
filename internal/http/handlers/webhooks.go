package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/dalston/internal/data/repos"
	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/http/response"
	"github.com/yungbote/dalston/internal/pkg/dbctx"
	"github.com/yungbote/dalston/internal/platform/apierr"
	"github.com/yungbote/dalston/internal/platform/ctxutil"
	"github.com/yungbote/dalston/internal/platform/logger"
)

// WebhookHandler implements the admin surface for webhook endpoints: CRUD,
// secret rotation, and the per-endpoint delivery log with manual retry.
type WebhookHandler struct {
	repos repos.Repos
	log   *logger.Logger
}

func NewWebhookHandler(r repos.Repos, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{repos: r, log: log.With("handler", "WebhookHandler")}
}

type createWebhookRequest struct {
	URL           string   `json:"url" binding:"required"`
	Subscriptions []string `json:"subscriptions" binding:"required,min=1"`
}

// POST /v1/webhooks
func (h *WebhookHandler) Create(c *gin.Context) {
	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest, err)
		return
	}
	secret, err := generateSigningSecret()
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	ep := &domain.WebhookEndpoint{
		ID:            uuid.New(),
		TenantID:      ctxutil.GetTenantID(c.Request.Context()),
		URL:           req.URL,
		Subscriptions: req.Subscriptions,
		SigningSecret: secret,
		Active:        true,
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if _, err := h.repos.WebhookEndpoint.Create(dbc, ep); err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, endpointView(ep, secret))
}

// GET /v1/webhooks
func (h *WebhookHandler) List(c *gin.Context) {
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	eps, err := h.repos.WebhookEndpoint.ListByTenant(dbc, ctxutil.GetTenantID(c.Request.Context()))
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	out := make([]gin.H, 0, len(eps))
	for _, ep := range eps {
		out = append(out, endpointView(ep, ""))
	}
	response.RespondOK(c, gin.H{"webhooks": out})
}

type updateWebhookRequest struct {
	URL           *string  `json:"url"`
	Subscriptions []string `json:"subscriptions"`
	Active        *bool    `json:"active"`
}

// PATCH /v1/webhooks/:id
func (h *WebhookHandler) Update(c *gin.Context) {
	ep, err := h.lookupEndpoint(c)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	var req updateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest, err)
		return
	}
	updates := map[string]interface{}{}
	if req.URL != nil {
		updates["url"] = *req.URL
	}
	if req.Subscriptions != nil {
		updates["subscriptions"] = datatypes.JSONSlice[string](req.Subscriptions)
	}
	if req.Active != nil {
		updates["active"] = *req.Active
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.repos.WebhookEndpoint.UpdateFields(dbc, ep.ID, updates); err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"id": ep.ID})
}

// POST /v1/webhooks/:id/rotate_secret
func (h *WebhookHandler) RotateSecret(c *gin.Context) {
	ep, err := h.lookupEndpoint(c)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	secret, err := generateSigningSecret()
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.repos.WebhookEndpoint.UpdateFields(dbc, ep.ID, map[string]interface{}{"signing_secret": secret}); err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"id": ep.ID, "signing_secret": secret})
}

// GET /v1/webhooks/:id/deliveries
func (h *WebhookHandler) ListDeliveries(c *gin.Context) {
	ep, err := h.lookupEndpoint(c)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	dbc := dbctx.Context{Ctx: c.Request.Context()}
	deliveries, err := h.repos.WebhookDelivery.ListByEndpoint(dbc, ep.ID, limit, offset)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deliveries": deliveries})
}

// POST /v1/webhooks/:id/deliveries/:delivery_id/retry
func (h *WebhookHandler) RetryDelivery(c *gin.Context) {
	if _, err := h.lookupEndpoint(c); err != nil {
		response.RespondErr(c, err)
		return
	}
	deliveryID, err := uuid.Parse(c.Param("delivery_id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, apierr.CodeInvalidRequest, err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	if err := h.repos.WebhookDelivery.ResetForManualRetry(dbc, deliveryID); err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"id": deliveryID, "status": domain.WebhookDeliveryStatusPending})
}

func (h *WebhookHandler) lookupEndpoint(c *gin.Context) (*domain.WebhookEndpoint, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, apierr.InvalidRequest(fmt.Errorf("invalid webhook id: %w", err))
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	ep, err := h.repos.WebhookEndpoint.GetByID(dbc, id)
	if err != nil {
		return nil, apierr.NotFound(fmt.Errorf("webhook %s not found", id))
	}
	return ep, nil
}

func endpointView(ep *domain.WebhookEndpoint, secret string) gin.H {
	view := gin.H{
		"id":            ep.ID,
		"url":           ep.URL,
		"subscriptions": ep.Subscriptions,
		"active":        ep.Active,
		"created_at":    ep.CreatedAt,
	}
	if secret != "" {
		// Only ever returned once, at creation/rotation time — the signing
		// secret is immutable-identity-but-rotatable, never echoed back on a
		// plain read.
		view["signing_secret"] = secret
	}
	return view
}

func generateSigningSecret() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate signing secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(raw), nil
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
