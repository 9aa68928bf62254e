package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mx-space/newsletter/internal/config"
)

func applyRuntimeSettings(cfg *config.AppConfig) error {
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		return nil
	}
	loc, err := parseTimezoneLocation(tz)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	time.Local = loc
	_ = os.Setenv("TZ", tz)
	return nil
}

// parseTimezoneLocation accepts an IANA zone or a fixed "+08:00" offset.
func parseTimezoneLocation(raw string) (*time.Location, error) {
	tz := strings.TrimSpace(raw)
	if tz == "" {
		return time.Local, nil
	}
	if loc, err := time.LoadLocation(tz); err == nil {
		return loc, nil
	}
	if len(tz) == 6 && (tz[0] == '+' || tz[0] == '-') && tz[3] == ':' {
		h, errH := strconv.Atoi(tz[1:3])
		m, errM := strconv.Atoi(tz[4:6])
		if errH == nil && errM == nil && h <= 23 && m <= 59 {
			offset := h*3600 + m*60
			if tz[0] == '-' {
				offset = -offset
			}
			return time.FixedZone(tz, offset), nil
		}
	}
	return nil, fmt.Errorf("expect IANA zone (e.g. Asia/Shanghai) or UTC offset (e.g. +08:00)")
}
