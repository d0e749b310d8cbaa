package redemption

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"giftcode-redeemer/pkg/db/pagination"
	"giftcode-redeemer/pkg/errutil"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/giftcodes/:code/redemptions", h.CreateRedemptions)
	v1.GET("/giftcodes/:code/history", h.ListHistory)
	v1.GET("/redemption-jobs/:id", h.GetJob)
}

type createRedemptionsRequest struct {
	Items []Item `json:"items"`
}

func (h *Handler) CreateRedemptions(c *gin.Context) {
	var req createRedemptionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	job, err := h.svc.EnqueueBatch(c.Request.Context(), c.Param("code"), req.Items)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.svc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) ListHistory(c *gin.Context) {
	var p pagination.Pagination
	if err := c.ShouldBindQuery(&p); err != nil {
		_ = c.Error(errutil.BadRequest("invalid query", err))
		return
	}

	rows, info, err := h.svc.History(c.Request.Context(), c.Param("code"), p)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":      rows,
		"page_info": info,
	})
}
