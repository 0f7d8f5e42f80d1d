package orchestrator

import (
	"net/http"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/db/pagination"
	"donation-reconciler/pkg/errutil"
	"donation-reconciler/pkg/middleware"
	"donation-reconciler/services/receipt"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

const (
	WebhookTokenHeader  = "asaas-access-token"
	OperatorTokenHeader = "X-Operator-Token"

	maxWebhookBody = 1 << 20
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type routeParams struct {
	fx.In
	Engine  *gin.Engine
	Config  *config.Config
	Handler *Handler
}

func RegisterRoutes(p routeParams) {
	webhookChain := []gin.HandlerFunc{}
	if p.Config.Webhook.Token != "" {
		webhookChain = append(webhookChain, middleware.RequireToken(WebhookTokenHeader, p.Config.Webhook.Token))
	}
	webhookChain = append(webhookChain, p.Handler.Webhook)
	p.Engine.POST(p.Config.Webhook.Path, webhookChain...)

	p.Engine.GET("/receipts/pdf", p.Handler.ReceiptDocument)

	internal := p.Engine.Group("/internal", middleware.RequireToken(OperatorTokenHeader, p.Config.Operator.Token))
	internal.POST("/reconcile", p.Handler.Reconcile)
	internal.POST("/receipts/:id/resend", p.Handler.Resend)
	internal.GET("/receipts/stuck", p.Handler.Stuck)
	internal.GET("/donations/:id/chain", p.Handler.VerifyChain)
	internal.GET("/donations/:id/history", p.Handler.History)
	internal.GET("/receipts/:id/attempts", p.Handler.Attempts)
	internal.GET("/events", p.Handler.Events)
}

func (h *Handler) Webhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	raw, err := c.GetRawData()
	if err != nil {
		_ = c.Error(errutil.BadRequest("unreadable request body", err))
		return
	}

	resp, err := h.service.HandleWebhook(c.Request.Context(), raw)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ReceiptDocument answers 403 with an empty body for any authorization failure.
func (h *Handler) ReceiptDocument(c *gin.Context) {
	body, contentType, err := h.service.RetrieveReceipt(c.Request.Context(), c.Query("receiptId"), c.Query("hash"))
	if err != nil {
		if errutil.StatusOf(err) == errutil.StatusForbidden {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		_ = c.Error(err)
		return
	}
	c.Header("Cache-Control", "private, no-store")
	c.Data(http.StatusOK, contentType, body)
}

// Reconcile answers 200 when every item succeeded and 207 with the per-item
// failures otherwise.
func (h *Handler) Reconcile(c *gin.Context) {
	res, err := h.service.Reconcile(c.Request.Context(), c.Query("mode"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	status := http.StatusOK
	if !res.OK() {
		status = http.StatusMultiStatus
	}
	c.JSON(status, res)
}

func (h *Handler) Resend(c *gin.Context) {
	out, err := h.service.Resend(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type stuckResponse struct {
	Data     []*receipt.Receipt   `json:"data"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

func (h *Handler) Stuck(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	items, info, err := h.service.ListStuck(c.Request.Context(), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stuckResponse{Data: items, PageInfo: info})
}

func (h *Handler) VerifyChain(c *gin.Context) {
	ok, err := h.service.VerifyChain(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"donation_id": c.Param("id"), "valid": ok})
}

func (h *Handler) History(c *gin.Context) {
	entries, err := h.service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

func (h *Handler) Attempts(c *gin.Context) {
	attempts, err := h.service.Attempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": attempts})
}

type eventsQuery struct {
	Outcome string `form:"outcome"`
	Limit   int    `form:"limit"`
}

// Events lists recorded deliveries, conflicts by default.
func (h *Handler) Events(c *gin.Context) {
	var q eventsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	events, err := h.service.ListEvents(c.Request.Context(), q.Outcome, q.Limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events})
}
