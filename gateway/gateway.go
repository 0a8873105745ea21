package gateway

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/example/minimart/pkg/api"
	"github.com/example/minimart/pkg/cart"
	"github.com/example/minimart/pkg/config"
	"github.com/example/minimart/pkg/fulfillment"
	"github.com/example/minimart/pkg/middleware"
	"github.com/example/minimart/pkg/models"
	"github.com/example/minimart/pkg/session"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

const (
	SessionHeader = "X-Session-Id"
	UserHeader    = "X-User-Id"
)

//go:embed openapi.yaml
var openAPI []byte

// Catalog is the product listing the shop screens read from.
type Catalog interface {
	ListProducts(ctx context.Context) ([]models.Product, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
}

// Preorders is the administrator's view of preorders and their
// eligibility.
type Preorders interface {
	Refresh(ctx context.Context) error
	Snapshot() fulfillment.Snapshot
	Eligible(preorderID string) error
}

type Notification struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func success(msg string) Notification { return Notification{Status: "success", Message: msg} }
func failure(msg string) Notification { return Notification{Status: "error", Message: msg} }

// Response is the body of every gateway endpoint. Actions carry exactly one
// notification.
type Response struct {
	Notification *Notification              `json:"notification,omitempty"`
	Cart         *session.CartView          `json:"cart,omitempty"`
	Checkout     *cart.CheckoutResult       `json:"checkout,omitempty"`
	Products     []models.Product           `json:"products,omitempty"`
	Preorders    []fulfillment.PreorderView `json:"preorders,omitempty"`
}

type Gateway struct {
	config    *config.Config
	logger    *zap.Logger
	router    *gin.Engine
	sessions  *session.Registry
	catalog   Catalog
	preorders Preorders
	audit     Auditor
}

func NewGateway(cfg *config.Config, logger *zap.Logger, sessions *session.Registry, catalog Catalog, preorders Preorders, audit Auditor) *Gateway {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))

	if audit == nil {
		audit = NopAuditor{}
	}
	return &Gateway{
		config:    cfg,
		logger:    logger,
		router:    router,
		sessions:  sessions,
		catalog:   catalog,
		preorders: preorders,
		audit:     audit,
	}
}

func (g *Gateway) SetupRoutes() {
	g.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := g.router.Group("/api/v1")
	{
		v1.GET("/products", g.listProducts)

		carts := v1.Group("/cart", g.requireSession)
		{
			carts.GET("", g.getCart)
			carts.DELETE("", g.clearCart)
			carts.POST("/items", g.addItem)
			carts.PUT("/items/:productId", g.changeQuantity)
			carts.DELETE("/items/:productId", g.removeItem)
			carts.POST("/checkout", g.checkout)
		}

		preorders := v1.Group("/preorders")
		{
			preorders.GET("", g.listPreorders)
			preorders.POST("/:id/fulfill", g.requireSession, g.fulfill)
		}

		v1.GET("/audit/:entityId", g.auditTrail)
	}

	g.router.GET("/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", openAPI)
	})
	g.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/openapi.yaml")))
}

// Handler exposes the router, mainly for httptest.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

func (g *Gateway) Start() error {
	addr := fmt.Sprintf("%s:%d", g.config.Gateway.Host, g.config.Gateway.Port)
	g.logger.Info("Gateway starting", zap.String("address", addr))
	return g.router.Run(addr)
}

func (g *Gateway) requireSession(c *gin.Context) {
	if c.GetHeader(SessionHeader) == "" {
		n := failure("missing " + SessionHeader + " header")
		c.AbortWithStatusJSON(http.StatusBadRequest, Response{Notification: &n})
		return
	}
	c.Next()
}

func identity(c *gin.Context) string {
	return c.GetHeader(UserHeader)
}

// request sends cmd to the caller's session actor. It writes the error
// response itself and returns nil when the session could not answer.
func (g *Gateway) request(c *gin.Context, cmd session.Command) *session.Reply {
	reply, err := g.sessions.Request(c.Request.Context(), c.GetHeader(SessionHeader), cmd)
	if err != nil {
		n := failure("session is busy, try again")
		c.JSON(http.StatusServiceUnavailable, Response{Notification: &n})
		return nil
	}
	return reply
}

func (g *Gateway) listProducts(c *gin.Context) {
	products, err := g.catalog.ListProducts(c.Request.Context())
	if err != nil {
		n := failure(cart.ErrProductsUnavailable.Error())
		c.JSON(http.StatusBadGateway, Response{Notification: &n})
		return
	}
	c.JSON(http.StatusOK, Response{Products: products})
}

func (g *Gateway) getCart(c *gin.Context) {
	reply := g.request(c, &session.GetCart{Identity: identity(c)})
	if reply == nil {
		return
	}
	if reply.Err != nil {
		g.respond(c, reply, reply.Err, "")
		return
	}
	c.JSON(http.StatusOK, Response{Cart: &reply.Cart})
}

type addItemRequest struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

func (g *Gateway) addItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		n := failure(err.Error())
		c.JSON(http.StatusBadRequest, Response{Notification: &n})
		return
	}

	product, err := g.catalog.GetProduct(c.Request.Context(), req.ProductID)
	if err != nil {
		var se *api.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			n := failure(cart.ErrProductNotFound.Error())
			c.JSON(http.StatusNotFound, Response{Notification: &n})
			return
		}
		n := failure(cart.ErrProductsUnavailable.Error())
		c.JSON(http.StatusBadGateway, Response{Notification: &n})
		return
	}

	reply := g.request(c, &session.AddItem{Identity: identity(c), Product: *product, Quantity: req.Quantity})
	if reply == nil {
		return
	}
	g.respond(c, reply, reply.Err, fmt.Sprintf("Added %s to cart", product.Name))
}

type quantityRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}

func (g *Gateway) changeQuantity(c *gin.Context) {
	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		n := failure(err.Error())
		c.JSON(http.StatusBadRequest, Response{Notification: &n})
		return
	}

	user := identity(c)
	productID := c.Param("productId")
	reply := g.request(c, &session.ChangeQuantity{
		Identity:  user,
		ProductID: productID,
		Quantity:  *req.Quantity,
	})
	if reply == nil {
		return
	}
	n := g.respond(c, reply, reply.Err, "Quantity updated")
	if reply.Err != nil {
		g.audit.Record(c.Request.Context(), auditEntry("change_quantity", user, user, n, bson.M{
			"product_id": productID,
			"quantity":   *req.Quantity,
		}))
	}
}

func (g *Gateway) removeItem(c *gin.Context) {
	reply := g.request(c, &session.RemoveItem{Identity: identity(c), ProductID: c.Param("productId")})
	if reply == nil {
		return
	}
	g.respond(c, reply, reply.Err, "Item removed from cart")
}

func (g *Gateway) clearCart(c *gin.Context) {
	reply := g.request(c, &session.ClearCart{Identity: identity(c)})
	if reply == nil {
		return
	}
	g.respond(c, reply, reply.Err, "Cart cleared")
}

func (g *Gateway) checkout(c *gin.Context) {
	user := identity(c)
	reply := g.request(c, &session.Checkout{Identity: user})
	if reply == nil {
		return
	}

	msg := ""
	data := bson.M{}
	if reply.Checkout != nil {
		msg = fmt.Sprintf("Checkout successful, total %s", reply.Checkout.TotalAmount.String())
		data["total_items"] = reply.Checkout.TotalItems
		data["total_amount"] = reply.Checkout.TotalAmount.String()
	}
	var pe *cart.PurchaseError
	if errors.As(reply.Err, &pe) {
		data["completed"] = pe.Completed
		data["failed_product_id"] = pe.Item.ProductID
	}

	n := g.respond(c, reply, reply.Err, msg)
	g.audit.Record(c.Request.Context(), auditEntry("checkout", user, user, n, data))
}

func (g *Gateway) listPreorders(c *gin.Context) {
	if err := g.preorders.Refresh(c.Request.Context()); err != nil {
		g.logger.Error("Failed to refresh preorders", zap.Error(err))
		n := failure("failed to fetch preorders")
		c.JSON(http.StatusBadGateway, Response{Notification: &n})
		return
	}
	c.JSON(http.StatusOK, Response{Preorders: g.preorders.Snapshot().Views()})
}

func (g *Gateway) fulfill(c *gin.Context) {
	preorderID := c.Param("id")
	user := identity(c)
	if user == "" {
		n := failure(cart.ErrNotAuthenticated.Error())
		c.JSON(http.StatusUnauthorized, Response{Notification: &n})
		return
	}

	// Eligibility is judged on the last listing; only a preorder never
	// listed triggers a fetch.
	err := g.preorders.Eligible(preorderID)
	if errors.Is(err, fulfillment.ErrNotInSnapshot) {
		if rerr := g.preorders.Refresh(c.Request.Context()); rerr != nil {
			g.logger.Error("Failed to refresh preorders", zap.Error(rerr))
		}
		err = g.preorders.Eligible(preorderID)
	}
	if err != nil {
		n := failure(err.Error())
		c.JSON(statusFor(err), Response{Notification: &n})
		g.audit.Record(c.Request.Context(), auditEntry("fulfill", preorderID, user, n, nil))
		return
	}

	reply := g.request(c, &session.Fulfill{Identity: user, PreorderID: preorderID})
	if reply == nil {
		return
	}

	data := bson.M{}
	var se *fulfillment.StepError
	if errors.As(reply.Err, &se) {
		data["failed_step"] = se.Step
	}
	var n Notification
	if reply.Err != nil {
		n = failure(reply.Err.Error())
		c.JSON(statusFor(reply.Err), Response{Notification: &n, Preorders: g.preorders.Snapshot().Views()})
	} else {
		n = success("Preorder fulfilled successfully")
		c.JSON(http.StatusOK, Response{Notification: &n, Preorders: g.preorders.Snapshot().Views()})
	}
	g.audit.Record(c.Request.Context(), auditEntry("fulfill", preorderID, user, n, data))
}

func (g *Gateway) auditTrail(c *gin.Context) {
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "20"), 10, 64)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	logs, err := g.audit.Recent(c.Request.Context(), c.Param("entityId"), limit)
	if err != nil {
		g.logger.Error("Failed to read audit logs", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to read audit logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// respond writes the single notification for a cart action and returns it.
func (g *Gateway) respond(c *gin.Context, reply *session.Reply, err error, okMsg string) Notification {
	var n Notification
	status := http.StatusOK
	if err != nil {
		n = failure(err.Error())
		status = statusFor(err)
	} else {
		n = success(okMsg)
	}
	c.JSON(status, Response{Notification: &n, Cart: &reply.Cart, Checkout: reply.Checkout})
	return n
}

func statusFor(err error) int {
	var stockErr *cart.StockError
	var qtyErr *cart.QuantityError
	switch {
	case errors.Is(err, cart.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, cart.ErrEmptyCart), errors.Is(err, cart.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, cart.ErrProductNotFound):
		return http.StatusNotFound
	case errors.As(err, &stockErr), errors.As(err, &qtyErr),
		errors.Is(err, cart.ErrInsufficientBalance),
		errors.Is(err, fulfillment.ErrInsufficientBalance),
		errors.Is(err, fulfillment.ErrInsufficientStock),
		errors.Is(err, fulfillment.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, fulfillment.ErrNotInSnapshot):
		return http.StatusNotFound
	case errors.Is(err, session.ErrFulfillmentUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
