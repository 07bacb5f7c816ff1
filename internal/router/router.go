package router

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"card_store/internal/config"
	"card_store/internal/delivery"
	"card_store/internal/middleware"
	"card_store/internal/order"
	"card_store/internal/payment"
	"card_store/internal/repository"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxCallbackBody = 1 << 20

// Deps 路由依赖的服务。
type Deps struct {
	Orders   *order.Service
	Payments *payment.Service
	Redis    *rd.Client
	Config   config.AppConfig
	Log      *zap.Logger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	v1 := r.Group("/api/v1")
	v1.POST("/orders", placeOrder(d.Orders))
	v1.POST("/payment/init",
		middleware.RedisRateLimit(d.Redis, "payment_init", d.Config.PayRateLimit, d.Config.PayRateWindow, d.Log),
		initPayment(d.Payments))
	v1.GET("/payment/status/:order_no", paymentStatus(d.Payments))
	v1.POST("/payment/callback/:provider_id", paymentCallback(d.Payments))

	admin := r.Group("/api/admin", middleware.AdminToken(d.Config.AdminToken), gzip.Gzip(gzip.DefaultCompression))
	admin.GET("/orders/:order_no", getOrder(d.Orders))
	admin.GET("/orders/:order_no/logs", orderLogs(d.Orders))
	admin.POST("/orders/:order_no/deliver", deliverOrder(d.Orders))
	admin.POST("/orders/:order_no/cancel", cancelOrder(d.Orders))
	admin.GET("/payment/providers", listProviders(d.Payments))
	admin.GET("/payment/pending-orders", pendingOrders(d.Payments))
	admin.GET("/payment/scan-logs", scanLogs(d.Payments))
	admin.POST("/payment/reload", reloadProviders(d.Payments))
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"code": status, "msg": msg})
}

// respondError 将业务错误映射为 HTTP 状态码。
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		fail(c, http.StatusNotFound, "订单不存在")
	case errors.Is(err, order.ErrEmptyOrder),
		errors.Is(err, order.ErrInvalidEmail),
		errors.Is(err, order.ErrInvalidQuantity),
		errors.Is(err, order.ErrPaymentMethodUnavailable),
		errors.Is(err, order.ErrProductUnavailable),
		errors.Is(err, order.ErrInsufficientStock),
		errors.Is(err, payment.ErrMethodUnavailable),
		errors.Is(err, delivery.ErrNothingToDeliver),
		errors.Is(err, delivery.ErrInsufficientStock):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrInvalidStatus),
		errors.Is(err, delivery.ErrInvalidStatus),
		errors.Is(err, payment.ErrOrderNotPending),
		errors.Is(err, payment.ErrInitInProgress):
		fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, payment.ErrProviderUnavailable):
		fail(c, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, payment.ErrCreateFailed):
		fail(c, http.StatusBadGateway, err.Error())
	default:
		fail(c, http.StatusInternalServerError, "internal error")
	}
}

// placeOrder 创建待支付订单。
func placeOrder(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req order.PlaceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		o, err := orders.Place(c.Request.Context(), req)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, o)
	}
}

// initPayment 发起支付，返回收款信息与剩余有效期。
func initPayment(payments *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OrderNo string `json:"order_no" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		res, err := payments.Init(c.Request.Context(), req.OrderNo)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, res)
	}
}

func paymentStatus(payments *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := payments.Status(c.Request.Context(), c.Param("order_no"))
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, res)
	}
}

// paymentCallback 通道异步通知入口。应答格式沿用微信支付 v3：成功 200，失败 4xx/5xx 带 code=FAIL。
func paymentCallback(payments *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "FAIL", "message": "读取请求失败"})
			return
		}
		res, err := payments.HandleCallback(c.Request.Context(), c.Param("provider_id"), payment.CallbackRequest{
			Header: c.Request.Header.Clone(),
			Body:   body,
		})
		if err != nil {
			_ = c.Error(err)
			status := http.StatusBadRequest
			if errors.Is(err, payment.ErrProviderUnavailable) {
				status = http.StatusNotFound
			} else if res.OrderNo != "" {
				status = http.StatusInternalServerError
			}
			c.JSON(status, gin.H{"code": "FAIL", "message": res.Message})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": "SUCCESS", "message": res.Message})
	}
}

func getOrder(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := orders.Get(c.Request.Context(), c.Param("order_no"))
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, o)
	}
}

func orderLogs(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		logs, err := orders.Logs(c.Request.Context(), c.Param("order_no"))
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, logs)
	}
}

// deliverOrder 人工发货，item_ids 为逗号分隔的明细 ID，留空表示全部未发货明细。
func deliverOrder(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ids []uint
		if raw := strings.TrimSpace(c.Query("item_ids")); raw != "" {
			for _, part := range strings.Split(raw, ",") {
				id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
				if err != nil || id == 0 {
					fail(c, http.StatusBadRequest, "item_ids 无效")
					return
				}
				ids = append(ids, uint(id))
			}
		}
		res, err := orders.Deliver(c.Request.Context(), c.Param("order_no"), ids, c.Query("remark"), "admin")
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, gin.H{
			"delivered": res.Delivered,
			"completed": res.Completed,
			"message":   res.Message,
		})
	}
}

func cancelOrder(orders *order.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		reason := c.DefaultQuery("reason", "管理员取消")
		if err := orders.Cancel(c.Request.Context(), c.Param("order_no"), "admin", reason); err != nil {
			respondError(c, err)
			return
		}
		ok(c, gin.H{"order_no": c.Param("order_no"), "status": "cancelled"})
	}
}

func listProviders(payments *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		active, registered := payments.Providers()
		ok(c, gin.H{"active": active, "registered": registered})
	}
}

func pendingOrders(payments *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := payments.PendingPayments(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		now := time.Now()
		items := make([]gin.H, 0, len(list))
		for _, p := range list {
			items = append(items, gin.H{
				"order_no":     p.OrderNo,
				"provider":     p.Provider,
				"payment_data": p.PaymentData,
				"created_at":   p.CreatedAt,
				"expires_at":   p.ExpiresAt,
				"expired":      p.Expired(now),
			})
		}
		ok(c, gin.H{"items": items, "total": len(items)})
	}
}

// scanLogs 扫描日志分页：limit 默认 50，offset 默认 0。
func scanLogs(payments *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, "limit 无效")
			return
		}
		offset, err := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
		if err != nil {
			fail(c, http.StatusBadRequest, "offset 无效")
			return
		}
		logs, total, err := payments.ScanLogs(c.Request.Context(), limit, offset)
		if err != nil {
			respondError(c, err)
			return
		}
		ok(c, gin.H{"items": logs, "total": total})
	}
}

func reloadProviders(payments *payment.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := payments.Reload(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		active, _ := payments.Providers()
		ok(c, gin.H{"active": active})
	}
}
