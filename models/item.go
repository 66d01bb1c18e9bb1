package models

import "time"

// Item is a single extracted or manually entered line item on a receipt.
// Position preserves the top-to-bottom order as printed.
type Item struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	ReceiptID uint    `gorm:"index;not null"`
	Position  int     `gorm:"not null"`
	Name      string  `gorm:"size:255;not null"`
	Price     float64 `gorm:"not null"`
	// People sharing this item; its price is split equally among them.
	People []Person `gorm:"many2many:item_assignments;constraint:OnDelete:CASCADE;"`
}
