package config

import (
	"fmt"
	"time"

	"github.com/MimeLyc/anidub/internal/scheduler"
	"github.com/spf13/viper"
)

// Limits bounds stage execution time and admission.
type Limits struct {
	StageTimeouts map[string]time.Duration `json:"stage_timeouts" mapstructure:"stage_timeouts"`
	Scheduler     scheduler.Limits         `json:"scheduler" mapstructure:"scheduler"`
}

func DefaultLimits() Limits {
	return Limits{
		StageTimeouts: map[string]time.Duration{
			"audio":         10 * time.Minute,
			"music":         10 * time.Minute,
			"separation":    30 * time.Minute,
			"diarize":       30 * time.Minute,
			"voice_refs":    10 * time.Minute,
			"transcribe":    60 * time.Minute,
			"translate":     30 * time.Minute,
			"tts":           90 * time.Minute,
			"mix":           20 * time.Minute,
			"mobile_export": 20 * time.Minute,
			"lipsync":       60 * time.Minute,
			"qa":            15 * time.Minute,
			"retention":     5 * time.Minute,
		},
	}
}

// LoadLimitsFile reads a YAML (or any viper-supported) limits file:
//
//	stage_timeouts:
//	  transcribe: 45m
//	scheduler:
//	  max_jobs: 2
//	  phase_caps: {transcribe: 1, tts: 2}
//	  admission_rate: 0.5
//	  max_waiting: 16
func LoadLimitsFile(path string) (Limits, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Limits{}, fmt.Errorf("read limits file %s: %w", path, err)
	}

	var out Limits
	if err := v.Unmarshal(&out); err != nil {
		return Limits{}, fmt.Errorf("decode limits file %s: %w", path, err)
	}
	for stage, d := range out.StageTimeouts {
		if d < 0 {
			return Limits{}, fmt.Errorf("stage %s: negative timeout %s", stage, d)
		}
	}
	return out, nil
}
