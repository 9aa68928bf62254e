package survey

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/newsletter/internal/models"
	"github.com/mx-space/newsletter/internal/pkg/response"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidAnswer = errors.New("answer must be yes or no")

// NormalizeAnswer accepts yes/no in any case.
func NormalizeAnswer(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case models.SurveyAnswerYes:
		return models.SurveyAnswerYes, nil
	case models.SurveyAnswerNo:
		return models.SurveyAnswerNo, nil
	default:
		return "", ErrInvalidAnswer
	}
}

type Service struct{ db *gorm.DB }

func NewService(db *gorm.DB) *Service { return &Service{db: db} }

// Record stores a subscriber's answer for an article; answering again
// overwrites the previous answer.
func (s *Service) Record(ctx context.Context, subscriberID, articleID, answer string) error {
	answer, err := NormalizeAnswer(answer)
	if err != nil {
		return err
	}
	row := models.SurveyAnswerModel{
		SubscriberID: subscriberID,
		ArticleID:    articleID,
		Answer:       answer,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscriber_id"}, {Name: "article_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"answer", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("record survey answer: %w", err)
	}
	return nil
}

// Tally is the yes/no count for one article.
type Tally struct {
	ArticleID string `json:"article_id"`
	Yes       int64  `json:"yes"`
	No        int64  `json:"no"`
}

// Tally counts answers for an article.
func (s *Service) Tally(ctx context.Context, articleID string) (*Tally, error) {
	var rows []struct {
		Answer string
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&models.SurveyAnswerModel{}).
		Select("answer, COUNT(*) AS count").
		Where("article_id = ?", articleID).
		Group("answer").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	t := &Tally{ArticleID: articleID}
	for _, r := range rows {
		switch r.Answer {
		case models.SurveyAnswerYes:
			t.Yes = r.Count
		case models.SurveyAnswerNo:
			t.No = r.Count
		}
	}
	return t, nil
}

type Handler struct {
	svc    *Service
	logger *zap.Logger
}

func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger.Named("Survey")}
}

// RegisterRoutes mounts the admin tally. Answers arrive through capability links.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	rg.GET("/survey/:article", authMW, h.tally)
}

func (h *Handler) tally(c *gin.Context) {
	t, err := h.svc.Tally(c.Request.Context(), c.Param("article"))
	if err != nil {
		h.logger.Error("tally survey failed", zap.String("article", c.Param("article")), zap.Error(err))
		response.InternalError(c, err)
		return
	}
	response.OK(c, t)
}
