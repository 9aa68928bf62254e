package pagination

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/newsletter/internal/pkg/response"
	"gorm.io/gorm"
)

const (
	DefaultPage = 1
	DefaultSize = 10
	MaxSize     = 100
)

// Query is a 1-based page request with a clamped page size.
type Query struct {
	Page int
	Size int
}

// Offset is the number of rows skipped before the requested page.
func (q Query) Offset() int {
	return (q.Page - 1) * q.Size
}

// Meta describes where the page sits within total rows.
func (q Query) Meta(total int64) response.Pagination {
	pages := 0
	if q.Size > 0 {
		pages = int((total + int64(q.Size) - 1) / int64(q.Size))
	}
	return response.Pagination{
		Total:       total,
		CurrentPage: q.Page,
		TotalPage:   pages,
		Size:        q.Size,
		HasNextPage: q.Page < pages,
	}
}

// FromContext reads ?page= and ?size=. Garbage falls back to defaults and
// size is capped at MaxSize.
func FromContext(c *gin.Context) Query {
	q := Query{
		Page: atoiOr(c.Query("page"), DefaultPage),
		Size: atoiOr(c.Query("size"), DefaultSize),
	}
	if q.Page < 1 {
		q.Page = DefaultPage
	}
	switch {
	case q.Size < 1:
		q.Size = DefaultSize
	case q.Size > MaxSize:
		q.Size = MaxSize
	}
	return q
}

// Paginate counts db, then loads the requested page into dest.
func Paginate[T any](db *gorm.DB, q Query, dest *[]T) (response.Pagination, error) {
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return response.Pagination{}, err
	}
	if err := db.Offset(q.Offset()).Limit(q.Size).Find(dest).Error; err != nil {
		return response.Pagination{}, err
	}
	return q.Meta(total), nil
}

func atoiOr(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return def
}
