package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"inventory-service/internal/broker"
	"inventory-service/internal/models"
	"inventory-service/internal/redisclient"
	"inventory-service/internal/stock"
	"inventory-service/internal/store"
	"inventory-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	store          *store.Store
	redis          *redisclient.Client
	reservations   *stock.ReservationManager
	allocations    *stock.AllocationManager
	releases       *stock.ReleaseManager
	publisher      *broker.EventPublisher
	reservationTTL time.Duration
}

// NewHandler creates a new HTTP handler
func NewHandler(
	st *store.Store,
	redis *redisclient.Client,
	reservations *stock.ReservationManager,
	allocations *stock.AllocationManager,
	releases *stock.ReleaseManager,
	publisher *broker.EventPublisher,
	reservationTTL time.Duration,
) *Handler {
	return &Handler{
		store:          st,
		redis:          redis,
		reservations:   reservations,
		allocations:    allocations,
		releases:       releases,
		publisher:      publisher,
		reservationTTL: reservationTTL,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/submit-payment", h.submitPayment)
		v1.POST("/orders/:id/confirm", h.confirmPayment)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/ship", h.shipOrder)
		v1.POST("/orders/:id/complete", h.completeOrder)
		v1.POST("/order-items/:id/allocate", h.allocateItem)
		v1.GET("/products/:id/stock", h.getStock)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// CreateOrderRequest represents a checkout request
type CreateOrderRequest struct {
	UserID int64              `json:"user_id" binding:"required"`
	Items  []OrderItemRequest `json:"items" binding:"required,min=1"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// createOrder handles checkout: it persists the order in the initial
// awaiting-payment state and places the stock hold.
func (h *Handler) createOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()

	// Retries from the checkout flow carry the same Idempotency-Key. The key
	// is claimed up front with SetNX so two concurrent replays cannot both
	// pass a check; losers get the winner's order id back.
	idempotencyKey := c.GetHeader("Idempotency-Key")
	completed := false
	if idempotencyKey != "" {
		claimed, err := h.redis.SetIdempotencyKeyNX(ctx, idempotencyKey, "pending", h.reservationTTL)
		if err != nil {
			util.GetLogger().Error("Idempotency key claim failed")
		} else if !claimed {
			resp := gin.H{"error": "Duplicate checkout request"}
			if val, err := h.redis.GetIdempotencyKey(ctx, idempotencyKey); err == nil && val != "" && val != "pending" {
				resp["order_id"] = val
			}
			c.JSON(http.StatusConflict, resp)
			return
		} else {
			defer func() {
				if completed {
					return
				}
				if err := h.redis.DeleteIdempotencyKey(ctx, idempotencyKey); err != nil {
					util.GetLogger().Error("Failed to release idempotency key")
				}
			}()
		}
	}

	// Two line items may reference the same product, so products are loaded
	// and counted by distinct id.
	productIDs := distinctProductIDs(req.Items)

	products, err := h.store.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load products"})
		return
	}
	if len(products) != len(productIDs) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Some products not found"})
		return
	}

	priceByID := make(map[int64]int64, len(products))
	for _, p := range products {
		priceByID[p.ID] = p.Price
	}

	var total int64
	for _, item := range req.Items {
		total += priceByID[item.ProductID] * int64(item.Quantity)
	}

	order := &models.Order{
		UserID:      req.UserID,
		TotalAmount: total,
		Status:      models.OrderStatusAwaitingPayment,
	}
	if err := h.store.CreateOrder(ctx, order); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create order"})
		return
	}

	for _, item := range req.Items {
		orderItem := &models.OrderItem{
			OrderID:   order.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: priceByID[item.ProductID],
		}
		if err := h.store.CreateOrderItem(ctx, orderItem); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create order item"})
			return
		}
	}

	// ReserveForOrder returns no order on failure; keep working off the row
	// we created so the failed checkout can still be cancelled.
	reserved, err := h.reservations.ReserveForOrder(ctx, order, h.reservationTTL)
	if err != nil {
		var ise *stock.InsufficientStockError
		if errors.As(err, &ise) {
			_ = h.store.UpdateOrderStatus(ctx, order.ID, models.OrderStatusCancelled)
			c.JSON(http.StatusConflict, gin.H{
				"error":      "Insufficient stock",
				"product_id": ise.ProductID,
				"requested":  ise.Requested,
				"available":  ise.Available,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reserve stock"})
		return
	}
	order = reserved

	if idempotencyKey != "" {
		if err := h.redis.SetIdempotencyKey(ctx, idempotencyKey, order.ID, h.reservationTTL); err != nil {
			util.GetLogger().Error("Failed to store idempotency key")
		}
	}
	completed = true

	items, _ := h.store.GetOrderItemsByOrderID(ctx, order.ID)
	h.publishReserved(c, order, items)

	c.JSON(http.StatusCreated, gin.H{
		"order_id":   order.ID,
		"status":     order.Status,
		"expires_at": order.ReservationExpiresAt,
	})
}

// distinctProductIDs returns the unique product ids across the requested
// line items, in first-seen order.
func distinctProductIDs(items []OrderItemRequest) []int64 {
	ids := make([]int64, 0, len(items))
	seen := make(map[int64]bool, len(items))
	for _, item := range items {
		if seen[item.ProductID] {
			continue
		}
		seen[item.ProductID] = true
		ids = append(ids, item.ProductID)
	}
	return ids
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	order, err := h.store.GetOrderByID(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	items, err := h.store.GetOrderItemsByOrderID(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load order items"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// submitPayment moves an order to awaiting-confirmation once the customer
// has submitted proof of payment. The stock hold is untouched.
func (h *Handler) submitPayment(c *gin.Context) {
	h.transitionOrder(c, models.OrderStatusAwaitingConfirmation)
}

// confirmPayment is the operator action that converts the reservation into a
// firm deduction. Allocation is idempotent, so a double-click is harmless.
func (h *Handler) confirmPayment(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	order, err := h.store.GetOrderByID(ctx, orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	if !models.CanTransition(order.Status, models.OrderStatusProcessing) {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Order cannot be confirmed",
			"status": order.Status,
		})
		return
	}

	// Claim the order before touching stock. Once it is PROCESSING the
	// sweeper will not pick it up; a claim that finds the status already
	// changed lost the race (typically to expiry) and must not allocate.
	claimed, err := h.store.UpdateOrderStatusIf(ctx, orderID, order.Status, models.OrderStatusProcessing)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update order status"})
		return
	}
	if !claimed {
		current, err := h.store.GetOrderByID(ctx, orderID)
		status := ""
		if err == nil {
			status = current.Status
		}
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Order cannot be confirmed",
			"status": status,
		})
		return
	}

	if _, err := h.allocations.Allocate(ctx, orderID); err != nil {
		if _, revertErr := h.store.UpdateOrderStatusIf(ctx, orderID, models.OrderStatusProcessing, order.Status); revertErr != nil {
			util.GetLogger().Error("Failed to revert order status after allocation failure")
		}
		var ise *stock.InsufficientStockError
		if errors.As(err, &ise) {
			c.JSON(http.StatusConflict, gin.H{
				"error":      "Insufficient stock",
				"product_id": ise.ProductID,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to allocate order"})
		return
	}

	items, _ := h.store.GetOrderItemsByOrderID(ctx, orderID)
	event := &models.OrderAllocatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderAllocated,
			Timestamp: time.Now(),
		},
		OrderID: orderID,
		Items:   stockItems(items),
	}
	if err := h.publisher.PublishOrderAllocated(c.Request.Context(), event); err != nil {
		util.GetLogger().Error("Failed to publish OrderAllocated event")
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id": orderID,
		"status":   models.OrderStatusProcessing,
	})
}

// cancelOrder is the admin cancellation path. Which counter gets restored
// depends on how far the order got: allocated orders return units to on-hand
// stock, unconfirmed ones just give back their hold.
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	order, err := h.store.GetOrderByID(ctx, orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	if !models.CanTransition(order.Status, models.OrderStatusCancelled) {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Order cannot be cancelled",
			"status": order.Status,
		})
		return
	}

	if models.HoldsAllocation(order.Status) {
		err = h.releases.ReleaseAllocation(ctx, order)
	} else {
		err = h.releases.ReleaseReservation(ctx, order)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to release stock"})
		return
	}

	if err := h.store.UpdateOrderStatus(ctx, orderID, models.OrderStatusCancelled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update order status"})
		return
	}

	items, _ := h.store.GetOrderItemsByOrderID(ctx, orderID)
	event := &models.StockReleasedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeStockReleased,
			Timestamp: time.Now(),
		},
		OrderID: orderID,
		Reason:  "cancelled",
		Items:   stockItems(items),
	}
	if err := h.publisher.PublishStockReleased(ctx, event); err != nil {
		util.GetLogger().Error("Failed to publish StockReleased event")
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id": orderID,
		"status":   models.OrderStatusCancelled,
	})
}

// shipOrder marks an allocated order shipped
func (h *Handler) shipOrder(c *gin.Context) {
	h.transitionOrder(c, models.OrderStatusShipped)
}

// completeOrder marks a shipped order completed
func (h *Handler) completeOrder(c *gin.Context) {
	h.transitionOrder(c, models.OrderStatusCompleted)
}

// allocateItem exposes the single-item allocation primitive for manual
// orders that bypassed reservation.
func (h *Handler) allocateItem(c *gin.Context) {
	idStr := c.Param("id")
	itemID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order item ID"})
		return
	}

	ctx := c.Request.Context()

	item, err := h.store.GetOrderItemByID(ctx, itemID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order item not found"})
		return
	}

	if err := h.allocations.AllocateOrderItem(ctx, *item); err != nil {
		var ise *stock.InsufficientStockError
		if errors.As(err, &ise) {
			c.JSON(http.StatusConflict, gin.H{
				"error":      "Insufficient stock",
				"product_id": ise.ProductID,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to allocate item"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"item_id": itemID, "allocated": true})
}

// getStock returns the current counters for a product
func (h *Handler) getStock(c *gin.Context) {
	idStr := c.Param("id")
	productID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}

	product, err := h.store.GetProductByID(c.Request.Context(), productID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"product_id": product.ID,
		"on_hand":    product.OnHand,
		"reserved":   product.Reserved,
		"available":  product.Available(),
	})
}

func (h *Handler) transitionOrder(c *gin.Context, to string) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	order, err := h.store.GetOrderByID(ctx, orderID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	if !models.CanTransition(order.Status, to) {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Illegal status transition",
			"status": order.Status,
			"to":     to,
		})
		return
	}

	if err := h.store.UpdateOrderStatus(ctx, orderID, to); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update order status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "status": to})
}

func (h *Handler) orderID(c *gin.Context) (int64, bool) {
	idStr := c.Param("id")
	orderID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return 0, false
	}
	return orderID, true
}

func (h *Handler) publishReserved(c *gin.Context, order *models.Order, items []models.OrderItem) {
	if order.ReservationExpiresAt == nil {
		return
	}

	event := &models.StockReservedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeStockReserved,
			Timestamp: time.Now(),
		},
		OrderID:   order.ID,
		ExpiresAt: *order.ReservationExpiresAt,
		Items:     stockItems(items),
	}
	if err := h.publisher.PublishStockReserved(c.Request.Context(), event); err != nil {
		util.GetLogger().Error("Failed to publish StockReserved event")
	}
}

func stockItems(items []models.OrderItem) []models.StockItemData {
	data := make([]models.StockItemData, 0, len(items))
	for _, item := range items {
		data = append(data, models.StockItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}
	return data
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
