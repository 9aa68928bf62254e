package subscribe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mx-space/newsletter/internal/models"
	"github.com/mx-space/newsletter/internal/modules/digest"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound          = errors.New("subscriber not found")
	ErrInvalidPreference = errors.New("invalid delivery preference")
)

// SubscribeDTO is the public sign-up form. Hour and minute default to 09:00.
type SubscribeDTO struct {
	Email    string `json:"email"    binding:"required,email"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
	Hour     *int   `json:"hour"`
	Minute   *int   `json:"minute"`
}

// PreferenceUpdate is a new delivery time for one subscriber.
type PreferenceUpdate struct {
	Timezone string `json:"timezone"`
	Hour     int    `json:"hour"`
	Minute   int    `json:"minute"`
}

// ValidatePreference checks the wall-clock time and that the zone is a real
// IANA name; it returns the update with the zone trimmed.
func ValidatePreference(p PreferenceUpdate) (PreferenceUpdate, error) {
	p.Timezone = strings.TrimSpace(p.Timezone)
	if p.Timezone == "" {
		p.Timezone = models.DefaultSendTimezone
	}
	if p.Hour < 0 || p.Hour > 23 {
		return p, fmt.Errorf("%w: hour %d out of range 0-23", ErrInvalidPreference, p.Hour)
	}
	if p.Minute < 0 || p.Minute > 59 {
		return p, fmt.Errorf("%w: minute %d out of range 0-59", ErrInvalidPreference, p.Minute)
	}
	if _, err := digest.ResolveLocation(p.Timezone); err != nil {
		return p, fmt.Errorf("%w: unknown timezone %q", ErrInvalidPreference, p.Timezone)
	}
	return p, nil
}

// Preference turns the sign-up form into a validated preference.
func (dto *SubscribeDTO) Preference() (PreferenceUpdate, error) {
	p := PreferenceUpdate{
		Timezone: dto.Timezone,
		Hour:     models.DefaultSendHour,
		Minute:   models.DefaultSendMinute,
	}
	if dto.Hour != nil {
		p.Hour = *dto.Hour
	}
	if dto.Minute != nil {
		p.Minute = *dto.Minute
	}
	return ValidatePreference(p)
}

type Service struct{ db *gorm.DB }

func NewService(db *gorm.DB) *Service { return &Service{db: db} }

// Subscribe inserts a new unverified subscriber. An existing address is left
// untouched, so an unauthenticated form cannot rewrite someone's preferences;
// the stored row is returned either way.
func (s *Service) Subscribe(ctx context.Context, dto *SubscribeDTO) (*models.SubscriberModel, error) {
	pref, err := dto.Preference()
	if err != nil {
		return nil, err
	}
	email := strings.ToLower(strings.TrimSpace(dto.Email))
	sub := models.SubscriberModel{
		Email:      email,
		Name:       strings.TrimSpace(dto.Name),
		Timezone:   pref.Timezone,
		SendHour:   pref.Hour,
		SendMinute: pref.Minute,
	}

	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&sub).Error; err != nil {
		return nil, fmt.Errorf("create subscriber: %w", err)
	}
	return s.GetByEmail(ctx, email)
}

// Verify marks a subscriber's address as confirmed.
func (s *Service) Verify(ctx context.Context, id string) error {
	return s.update(ctx, id, map[string]interface{}{"verified": true})
}

// SetUnsubscribed flips the subscription flag.
func (s *Service) SetUnsubscribed(ctx context.Context, id string, unsubscribed bool) error {
	return s.update(ctx, id, map[string]interface{}{"unsubscribed": unsubscribed})
}

// UpdatePreference stores a validated delivery time.
func (s *Service) UpdatePreference(ctx context.Context, id string, p PreferenceUpdate) (*models.SubscriberModel, error) {
	p, err := ValidatePreference(p)
	if err != nil {
		return nil, err
	}
	if err := s.update(ctx, id, map[string]interface{}{
		"timezone":    p.Timezone,
		"send_hour":   p.Hour,
		"send_minute": p.Minute,
	}); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Service) update(ctx context.Context, id string, values map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&models.SubscriberModel{}).Where("id = ?", id).Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// MySQL reports 0 affected rows when nothing changed, so confirm existence.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Get loads one subscriber by id.
func (s *Service) Get(ctx context.Context, id string) (*models.SubscriberModel, error) {
	var sub models.SubscriberModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*models.SubscriberModel, error) {
	var sub models.SubscriberModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// ListActive returns every verified subscriber who has not unsubscribed.
func (s *Service) ListActive(ctx context.Context) ([]models.SubscriberModel, error) {
	var subs []models.SubscriberModel
	err := s.db.WithContext(ctx).
		Where("verified = ? AND unsubscribed = ?", true, false).
		Order("created_at ASC").
		Find(&subs).Error
	return subs, err
}

// BatchDelete removes subscribers by address, or all of them. Rows are hard
// deleted so the address can sign up again.
func (s *Service) BatchDelete(ctx context.Context, emails []string, all bool) (int64, error) {
	query := s.db.WithContext(ctx).Unscoped()
	if all {
		query = query.Where("1 = 1")
	} else {
		if len(emails) == 0 {
			return 0, nil
		}
		normalized := make([]string, 0, len(emails))
		for _, e := range emails {
			if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
				normalized = append(normalized, e)
			}
		}
		query = query.Where("email IN ?", normalized)
	}
	result := query.Delete(&models.SubscriberModel{})
	return result.RowsAffected, result.Error
}

// Query returns the base query for admin listings.
func (s *Service) Query(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.SubscriberModel{}).Order("created_at DESC")
}
