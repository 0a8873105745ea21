package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/example/minimart/pkg/middleware"
	"github.com/example/minimart/pkg/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	store  Store
	logger *zap.Logger
	router *gin.Engine
}

func NewServer(store Store, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))

	s := &Server{
		store:  store,
		logger: logger,
		router: router,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	products := s.router.Group("/products")
	{
		products.GET("", s.listProducts)
		products.GET("/:id", s.getProduct)
		products.PATCH("/:id/quantity", s.updateProductQuantity)
	}

	users := s.router.Group("/users")
	{
		users.GET("", s.listUsers)
		users.GET("/:id", s.getUser)
		users.PUT("/:id", s.putUser)
	}

	preorders := s.router.Group("/preorders")
	{
		preorders.GET("", s.listPreorders)
		preorders.GET("/:id", s.getPreorder)
		preorders.PATCH("/:id/status", s.updatePreorderStatus)
	}

	transactions := s.router.Group("/transactions")
	{
		transactions.POST("", s.createTransaction)
		transactions.GET("", s.listTransactions)
	}
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(addr string) error {
	s.logger.Info("Backend starting", zap.String("address", addr))
	return s.router.Run(addr)
}

func (s *Server) fail(c *gin.Context, err error, msg string) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.logger.Error(msg, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func (s *Server) listProducts(c *gin.Context) {
	products, err := s.store.ListProducts(c.Request.Context())
	if err != nil {
		s.fail(c, err, "failed to list products")
		return
	}
	c.JSON(http.StatusOK, products)
}

func (s *Server) getProduct(c *gin.Context) {
	product, err := s.store.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "failed to get product")
		return
	}
	c.JSON(http.StatusOK, product)
}

// Negative quantities are stored as given; callers own the arithmetic.
func (s *Server) updateProductQuantity(c *gin.Context) {
	quantity, err := strconv.Atoi(c.Query("quantity"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "quantity must be an integer"})
		return
	}
	id := c.Param("id")
	if err := s.store.SetProductQuantity(c.Request.Context(), id, quantity); err != nil {
		s.fail(c, err, "failed to update product quantity")
		return
	}
	s.logger.Info("Product quantity set",
		zap.String("product_id", id),
		zap.Int("quantity", quantity),
		zap.String("actor", c.GetHeader("userId")))
	c.JSON(http.StatusOK, gin.H{"productId": id, "quantity": quantity})
}

func (s *Server) listUsers(c *gin.Context) {
	users, err := s.store.ListUsers(c.Request.Context())
	if err != nil {
		s.fail(c, err, "failed to list users")
		return
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) getUser(c *gin.Context) {
	user, err := s.store.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "failed to get user")
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) putUser(c *gin.Context) {
	var user models.User
	if err := c.ShouldBindJSON(&user); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user.UserID = c.Param("id")
	if err := s.store.PutUser(c.Request.Context(), &user); err != nil {
		s.fail(c, err, "failed to update user")
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) listPreorders(c *gin.Context) {
	preorders, err := s.store.ListPreorders(c.Request.Context())
	if err != nil {
		s.fail(c, err, "failed to list preorders")
		return
	}
	c.JSON(http.StatusOK, preorders)
}

func (s *Server) getPreorder(c *gin.Context) {
	preorder, err := s.store.GetPreorder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "failed to get preorder")
		return
	}
	c.JSON(http.StatusOK, preorder)
}

func (s *Server) updatePreorderStatus(c *gin.Context) {
	status := models.PreorderStatus(c.Query("status"))
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid status %q", status)})
		return
	}
	id := c.Param("id")
	if err := s.store.SetPreorderStatus(c.Request.Context(), id, status); err != nil {
		s.fail(c, err, "failed to update preorder status")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": status})
}

// createTransaction answers business-rule rejections with 500, which is
// what clients key their balance error on.
func (s *Server) createTransaction(c *gin.Context) {
	var req models.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.UserID == "" || req.ProductID == "" || req.QtyPurchased <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId, productId and a positive qtyPurchased are required"})
		return
	}

	var (
		txn *models.Transaction
		err error
	)
	if req.PreorderID != "" {
		txn, err = s.store.RecordTransaction(c.Request.Context(), req)
	} else {
		txn, err = s.store.Purchase(c.Request.Context(), req)
	}
	switch {
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrInsufficientBalance):
		s.logger.Warn("Purchase rejected",
			zap.String("user_id", req.UserID),
			zap.String("product_id", req.ProductID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.fail(c, err, "failed to create transaction")
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (s *Server) listTransactions(c *gin.Context) {
	txns, err := s.store.ListTransactions(c.Request.Context())
	if err != nil {
		s.fail(c, err, "failed to list transactions")
		return
	}
	c.JSON(http.StatusOK, txns)
}
