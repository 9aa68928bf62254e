package models

const (
	SurveyAnswerYes = "yes"
	SurveyAnswerNo  = "no"
)

// SurveyAnswerModel is one subscriber's yes/no vote on one article.
type SurveyAnswerModel struct {
	Base
	SubscriberID string `json:"subscriber_id" gorm:"type:char(36);not null;uniqueIndex:ux_survey_subscriber_article,priority:1"`
	ArticleID    string `json:"article_id"    gorm:"type:char(36);not null;uniqueIndex:ux_survey_subscriber_article,priority:2"`
	Answer       string `json:"answer"        gorm:"size:8;not null"`
}

func (SurveyAnswerModel) TableName() string { return "survey_answers" }
