package inventory

import (
	"fmt"
	"time"
)

// Item is a physical thing being tracked: a drill, a board game, a cable.
type Item struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Barcode     string     `json:"barcode,omitempty"`
	LocationID  string     `json:"locationId,omitempty"`
	ContainerID string     `json:"containerId,omitempty"`
	Quantity    int        `json:"quantity"`
	Tags        []string   `json:"tags,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	PurchasedAt *time.Time `json:"purchasedAt,omitempty"`
}

// Validate checks the item's required fields.
func (i *Item) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(i.Name) > 500 {
		return fmt.Errorf("name must be 500 characters or less (got %d)", len(i.Name))
	}
	if i.Quantity < 0 {
		return fmt.Errorf("quantity cannot be negative (got %d)", i.Quantity)
	}
	return nil
}

// Location is a place items live: a room, a shelf, the garage.
// Locations form a tree via ParentID.
type Location struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ParentID    string    `json:"parentId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Validate checks the location's required fields.
func (l *Location) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("name is required")
	}
	if l.ParentID != "" && l.ParentID == l.ID {
		return fmt.Errorf("location cannot be its own parent")
	}
	return nil
}

// Container is a labeled box or bin within a location.
type Container struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Barcode     string    `json:"barcode,omitempty"`
	LocationID  string    `json:"locationId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Validate checks the container's required fields.
func (c *Container) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Borrower is a person items can be loaned to.
type Borrower struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the borrower's required fields.
func (b *Borrower) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Loan records an item being lent out to a borrower.
type Loan struct {
	ID         string     `json:"id"`
	ItemID     string     `json:"itemId"`
	BorrowerID string     `json:"borrowerId"`
	Notes      string     `json:"notes,omitempty"`
	LoanedAt   time.Time  `json:"loanedAt"`
	DueAt      *time.Time `json:"dueAt,omitempty"`
	ReturnedAt *time.Time `json:"returnedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Validate checks the loan's required fields.
func (l *Loan) Validate() error {
	if l.ItemID == "" {
		return fmt.Errorf("itemId is required")
	}
	if l.BorrowerID == "" {
		return fmt.Errorf("borrowerId is required")
	}
	if l.DueAt != nil && !l.LoanedAt.IsZero() && l.DueAt.Before(l.LoanedAt) {
		return fmt.Errorf("dueAt cannot be before loanedAt")
	}
	return nil
}

// Returned reports whether the loan has been closed out.
func (l *Loan) Returned() bool {
	return l.ReturnedAt != nil
}

// InventoryRecord tracks the counted stock and condition of an item,
// typically produced by a scanner pass through a location.
type InventoryRecord struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"itemId"`
	Quantity  int       `json:"quantity"`
	Condition string    `json:"condition,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the inventory record's required fields.
func (r *InventoryRecord) Validate() error {
	if r.ItemID == "" {
		return fmt.Errorf("itemId is required")
	}
	if r.Quantity < 0 {
		return fmt.Errorf("quantity cannot be negative (got %d)", r.Quantity)
	}
	return nil
}
