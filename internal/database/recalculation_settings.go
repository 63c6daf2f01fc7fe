package database

import (
	"time"

	"gorm.io/gorm"
)

// RecalculationSettings controls the recalculation coordinator at runtime. The
// coordinator re-reads it on every tick so interval changes apply without a restart.
type RecalculationSettings struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	Enabled             bool      `json:"enabled"`
	IntervalSeconds     int       `json:"interval_seconds"`
	CycleTimeoutSeconds int       `json:"cycle_timeout_seconds"`
	MaxRetries          int       `json:"max_retries"`
	Concurrency         int       `json:"concurrency"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (RecalculationSettings) TableName() string {
	return "recalculation_settings"
}

// NewDefaultRecalculationSettings returns settings with default values
func NewDefaultRecalculationSettings() *RecalculationSettings {
	return &RecalculationSettings{
		Enabled:             true,
		IntervalSeconds:     2,
		CycleTimeoutSeconds: 60,
		MaxRetries:          0,
		Concurrency:         4,
	}
}

// Interval returns the tick interval, never less than 100ms.
func (s *RecalculationSettings) Interval() time.Duration {
	d := time.Duration(s.IntervalSeconds) * time.Second
	if d < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return d
}

// CycleTimeout returns the per-cycle deadline; zero disables it.
func (s *RecalculationSettings) CycleTimeout() time.Duration {
	if s.CycleTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.CycleTimeoutSeconds) * time.Second
}

// GetOrCreateRecalculationSettings retrieves or creates the singleton settings row,
// seeding it from defaults when missing.
func GetOrCreateRecalculationSettings(db *gorm.DB, defaults *RecalculationSettings) (*RecalculationSettings, error) {
	var settings RecalculationSettings
	result := db.First(&settings)
	if result.Error == gorm.ErrRecordNotFound {
		if defaults == nil {
			defaults = NewDefaultRecalculationSettings()
		}
		settings = *defaults
		settings.ID = 0
		if err := db.Create(&settings).Error; err != nil {
			return nil, err
		}
	} else if result.Error != nil {
		return nil, result.Error
	}
	return &settings, nil
}

// UpdateRecalculationSettings saves settings.
func UpdateRecalculationSettings(db *gorm.DB, settings *RecalculationSettings) error {
	return db.Save(settings).Error
}
