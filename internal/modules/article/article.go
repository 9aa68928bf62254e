package article

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/newsletter/internal/models"
	"github.com/mx-space/newsletter/internal/pkg/pagination"
	"github.com/mx-space/newsletter/internal/pkg/response"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultRecentLimit = 5
	MaxRecentLimit     = 20
)

var ErrNotFound = errors.New("article not found")

// ArticleDTO is the admin ingestion payload.
type ArticleDTO struct {
	Title       string     `json:"title"        binding:"required"`
	Slug        string     `json:"slug"         binding:"required"`
	URL         string     `json:"url"          binding:"required,url"`
	Summary     string     `json:"summary"`
	PublishedAt *time.Time `json:"published_at"`
}

type Service struct{ db *gorm.DB }

func NewService(db *gorm.DB) *Service { return &Service{db: db} }

// Recent returns the newest published articles, newest first. limit is
// clamped to 1..MaxRecentLimit; zero means DefaultRecentLimit.
func (s *Service) Recent(ctx context.Context, limit int) ([]models.ArticleModel, error) {
	switch {
	case limit <= 0:
		limit = DefaultRecentLimit
	case limit > MaxRecentLimit:
		limit = MaxRecentLimit
	}
	var items []models.ArticleModel
	err := s.db.WithContext(ctx).
		Where("published_at <= ?", time.Now()).
		Order("published_at DESC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// Exists reports whether an article id is known, for survey answers.
func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.ArticleModel{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

// Upsert creates an article or refreshes the one with the same slug.
func (s *Service) Upsert(ctx context.Context, dto *ArticleDTO) (*models.ArticleModel, error) {
	item := models.ArticleModel{
		Title:   strings.TrimSpace(dto.Title),
		Slug:    strings.TrimSpace(dto.Slug),
		URL:     strings.TrimSpace(dto.URL),
		Summary: dto.Summary,
	}
	if dto.PublishedAt != nil {
		item.PublishedAt = *dto.PublishedAt
	} else {
		item.PublishedAt = time.Now()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "url", "summary", "published_at", "updated_at"}),
	}).Create(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

type Handler struct {
	svc    *Service
	logger *zap.Logger
}

func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger.Named("Article")}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/articles", authMW)
	g.POST("", h.create)
	g.GET("", h.list)
}

func (h *Handler) create(c *gin.Context) {
	var dto ArticleDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	item, err := h.svc.Upsert(c.Request.Context(), &dto)
	if err != nil {
		h.logger.Error("upsert article failed", zap.String("slug", dto.Slug), zap.Error(err))
		response.InternalError(c, err)
		return
	}
	response.Created(c, item)
}

func (h *Handler) list(c *gin.Context) {
	var items []models.ArticleModel
	q := pagination.FromContext(c)
	query := h.svc.db.WithContext(c.Request.Context()).Model(&models.ArticleModel{}).Order("published_at DESC")
	pag, err := pagination.Paginate(query, q, &items)
	if err != nil {
		h.logger.Error("list articles failed", zap.Error(err))
		response.InternalError(c, err)
		return
	}
	response.Paged(c, items, pag)
}
