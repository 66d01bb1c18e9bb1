package models

import "time"

// Receipt is one uploaded receipt image belonging to a user, together with
// the line items extracted from it (or entered manually when OCR came up
// empty).
type Receipt struct {
	ID          uint `gorm:"primaryKey"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	UserID      uint   `gorm:"index;not null;uniqueIndex:idx_user_receipt_file"`
	FileName    string `gorm:"size:255;not null;uniqueIndex:idx_user_receipt_file"`
	StorePath   string `gorm:"column:store_path;size:512"` // public relative path (e.g. public/receipts/xxx.jpg)
	ContentType string `gorm:"size:128"`
	// Mark OCR as failed for this receipt (record kept so the client can offer manual entry)
	Failed       bool     `gorm:"default:false;index"`
	FailedReason string   `gorm:"size:255"`
	Items        []Item   `gorm:"foreignKey:ReceiptID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	People       []Person `gorm:"foreignKey:ReceiptID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}
