package fulfillment

import (
	"errors"
	"time"

	"github.com/example/minimart/pkg/models"
)

var (
	ErrInsufficientBalance = errors.New("insufficient voucher balance")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrNotInSnapshot       = errors.New("preorder, user or product not loaded")
)

// CheckEligibility is the pre-fulfillment check: the buyer can pay the
// total and the product has the preordered quantity in stock.
func CheckEligibility(preorder models.Preorder, user models.User, product models.Product) error {
	if preorder.Status != models.PreorderPending {
		return ErrNotPending
	}
	if user.VoucherBal.LessThan(preorder.TotalPrice) {
		return ErrInsufficientBalance
	}
	if product.Quantity < preorder.QtyPreordered {
		return ErrInsufficientStock
	}
	return nil
}

// Snapshot is the most recently fetched view of preorders, users and
// products. Snapshots are replaced whole and never mutated.
type Snapshot struct {
	Preorders []models.Preorder
	Users     map[string]models.User
	Products  map[string]models.Product
	FetchedAt time.Time
}

func emptySnapshot() Snapshot {
	return Snapshot{
		Users:    make(map[string]models.User),
		Products: make(map[string]models.Product),
	}
}

func (s Snapshot) preorder(id string) (models.Preorder, bool) {
	for _, p := range s.Preorders {
		if p.ID == id {
			return p, true
		}
	}
	return models.Preorder{}, false
}

func (s Snapshot) Eligible(preorderID string) error {
	preorder, ok := s.preorder(preorderID)
	if !ok {
		return ErrNotInSnapshot
	}
	user, ok := s.Users[preorder.UserID]
	if !ok {
		return ErrNotInSnapshot
	}
	product, ok := s.Products[preorder.ProductID]
	if !ok {
		return ErrNotInSnapshot
	}
	return CheckEligibility(preorder, user, product)
}

// PreorderView is a preorder as listed to an administrator, with whether
// the fulfill action should be offered.
type PreorderView struct {
	models.Preorder
	UserName    string `json:"userName"`
	ProductName string `json:"productName"`
	Eligible    bool   `json:"eligible"`
	Reason      string `json:"reason,omitempty"`
}

func (s Snapshot) Views() []PreorderView {
	views := make([]PreorderView, 0, len(s.Preorders))
	for _, p := range s.Preorders {
		v := PreorderView{
			Preorder:    p,
			UserName:    s.Users[p.UserID].Name,
			ProductName: s.Products[p.ProductID].Name,
		}
		if err := s.Eligible(p.ID); err != nil {
			v.Reason = err.Error()
		} else {
			v.Eligible = true
		}
		views = append(views, v)
	}
	return views
}
