package models

import "time"

// Person is a party member within one receipt's bill split. People are scoped
// to their receipt; the same friend on two receipts is two rows.
type Person struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	ReceiptID uint   `gorm:"index;not null;uniqueIndex:idx_receipt_person_name"`
	Name      string `gorm:"size:255;not null;uniqueIndex:idx_receipt_person_name"`
}
