package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Book is a catalog title with a fixed number of physical copies.
type Book struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Title       string    `gorm:"column:title;type:text;not null"`
	Author      string    `gorm:"column:author;type:text;not null"`
	Publisher   *string   `gorm:"column:publisher;type:text"`
	Genre       *string   `gorm:"column:genre;type:text"`
	ISBN        *string   `gorm:"column:isbn;type:text;uniqueIndex:books_isbn_key"`
	TotalCopies int       `gorm:"column:total_copies;not null;default:1"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Book) TableName() string { return "books" }

func (b *Book) BeforeCreate(*gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
