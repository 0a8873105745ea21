package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/minimart/pkg/config"
	"github.com/example/minimart/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore persists the backend in MySQL.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(cfg *config.MySQLConfig) (*GormStore, error) {
	// Connect to MySQL
	db, err := gorm.Open(mysql.Open(cfg.DSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)

	store := NewGormStoreFromDB(db)
	if err := store.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}

// NewGormStoreFromDB wraps an already opened connection.
func NewGormStoreFromDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate(ctx context.Context) error {
	// Auto migrate
	err := s.db.WithContext(ctx).AutoMigrate(&models.Product{}, &models.User{}, &models.Preorder{}, &models.Transaction{})
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) ListProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	if err := s.db.WithContext(ctx).Order("product_id").Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

func (s *GormStore) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	if err := s.db.WithContext(ctx).Where("product_id = ?", id).First(&product).Error; err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

func (s *GormStore) SetProductQuantity(ctx context.Context, id string, quantity int) error {
	return s.updateExisting(ctx, &models.Product{}, "product_id = ?", id, "quantity", quantity)
}

func (s *GormStore) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := s.db.WithContext(ctx).Order("user_id").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (s *GormStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("user_id = ?", id).First(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (s *GormStore) PutUser(ctx context.Context, user *models.User) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.User
		if err := tx.Where("user_id = ?", user.UserID).First(&existing).Error; err != nil {
			return notFound(err)
		}
		return tx.Save(user).Error
	})
}

func (s *GormStore) ListPreorders(ctx context.Context) ([]models.Preorder, error) {
	var preorders []models.Preorder
	if err := s.db.WithContext(ctx).Order("created_at").Find(&preorders).Error; err != nil {
		return nil, err
	}
	return preorders, nil
}

func (s *GormStore) GetPreorder(ctx context.Context, id string) (*models.Preorder, error) {
	var preorder models.Preorder
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&preorder).Error; err != nil {
		return nil, notFound(err)
	}
	return &preorder, nil
}

func (s *GormStore) SetPreorderStatus(ctx context.Context, id string, status models.PreorderStatus) error {
	return s.updateExisting(ctx, &models.Preorder{}, "id = ?", id, "status", status)
}

// updateExisting sets one column on the row matched by where. MySQL counts
// an unchanged row as unaffected, so existence comes from a count instead
// of RowsAffected.
func (s *GormStore) updateExisting(ctx context.Context, model interface{}, where, id, column string, value interface{}) error {
	db := s.db.WithContext(ctx)
	var n int64
	if err := db.Model(model).Where(where, id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return db.Model(model).Where(where, id).Update(column, value).Error
}

func (s *GormStore) Purchase(ctx context.Context, req models.PurchaseRequest) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var product models.Product
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("product_id = ?", req.ProductID).First(&product).Error; err != nil {
			return notFound(err)
		}
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", req.UserID).First(&user).Error; err != nil {
			return notFound(err)
		}

		if product.Quantity < req.QtyPurchased {
			return ErrInsufficientStock
		}
		total := product.Price.Mul(decimal.NewFromInt(int64(req.QtyPurchased)))
		if user.VoucherBal.LessThan(total) {
			return ErrInsufficientBalance
		}

		if err := tx.Model(&product).Update("quantity", product.Quantity-req.QtyPurchased).Error; err != nil {
			return err
		}
		if err := tx.Model(&user).Update("voucher_bal", user.VoucherBal.Sub(total)).Error; err != nil {
			return err
		}

		txn = models.Transaction{
			ID:           uuid.NewString(),
			UserID:       req.UserID,
			ProductID:    req.ProductID,
			QtyPurchased: req.QtyPurchased,
			TotalPrice:   total,
			CreatedAt:    time.Now(),
		}
		return tx.Create(&txn).Error
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (s *GormStore) RecordTransaction(ctx context.Context, req models.PurchaseRequest) (*models.Transaction, error) {
	preorder, err := s.GetPreorder(ctx, req.PreorderID)
	if err != nil {
		return nil, err
	}
	txn := models.Transaction{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		ProductID:    req.ProductID,
		PreorderID:   req.PreorderID,
		QtyPurchased: req.QtyPurchased,
		TotalPrice:   preorder.TotalPrice,
		CreatedAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

func (s *GormStore) ListTransactions(ctx context.Context) ([]models.Transaction, error) {
	var txns []models.Transaction
	if err := s.db.WithContext(ctx).Order("created_at").Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}
