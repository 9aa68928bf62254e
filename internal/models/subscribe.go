package models

const (
	DefaultSendTimezone = "UTC"
	DefaultSendHour     = 9
	DefaultSendMinute   = 0
)

// SubscriberModel is a newsletter subscriber together with the local time the
// digest should arrive at.
type SubscriberModel struct {
	Base
	Email        string `json:"email"        gorm:"uniqueIndex;not null"`
	Name         string `json:"name"`
	Timezone     string `json:"timezone"     gorm:"size:64;default:UTC"`
	SendHour     int    `json:"send_hour"    gorm:"not null"`
	SendMinute   int    `json:"send_minute"  gorm:"not null"`
	Unsubscribed bool   `json:"unsubscribed" gorm:"default:false;index"`
	Verified     bool   `json:"verified"     gorm:"default:false"`
}

func (SubscriberModel) TableName() string { return "subscribers" }

// SendPreference returns the delivery preference with defaults applied.
func (s SubscriberModel) SendPreference() SendPreference {
	p := SendPreference{
		SubjectID:    s.ID,
		Timezone:     s.Timezone,
		Hour:         s.SendHour,
		Minute:       s.SendMinute,
		Unsubscribed: s.Unsubscribed,
	}
	if p.Timezone == "" {
		p.Timezone = DefaultSendTimezone
	}
	if p.Hour < 0 || p.Hour > 23 || p.Minute < 0 || p.Minute > 59 {
		p.Hour, p.Minute = DefaultSendHour, DefaultSendMinute
	}
	return p
}

// SendPreference is the read-only view the digest scheduler works with.
type SendPreference struct {
	SubjectID    string `json:"subject_id"`
	Timezone     string `json:"timezone"`
	Hour         int    `json:"hour"`
	Minute       int    `json:"minute"`
	Unsubscribed bool   `json:"unsubscribed"`
}
