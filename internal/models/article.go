package models

import "time"

// ArticleModel is an entry in the shared content pool digests are built from.
type ArticleModel struct {
	Base
	Title       string    `json:"title"        gorm:"not null"`
	Slug        string    `json:"slug"         gorm:"uniqueIndex;not null"`
	URL         string    `json:"url"`
	Summary     string    `json:"summary"      gorm:"type:longtext"` // markdown
	PublishedAt time.Time `json:"published_at" gorm:"index"`
}

func (ArticleModel) TableName() string { return "articles" }
