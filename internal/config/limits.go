package config

import "time"

type Limits struct {
	MaxConcurrentWriters int               `yaml:"max_concurrent_writers" validate:"required,min=1,max=100"`
	MaxPromptSize        int               `yaml:"max_prompt_size" validate:"required,min=1000,max=1000000"`
	MaxRetries          int               `yaml:"max_retries" validate:"required,min=0,max=10"`
	TotalTimeout        time.Duration     `yaml:"total_timeout" validate:"required,min=1m,max=24h"`
	PhaseTimeouts       PhaseTimeouts     `yaml:"phase_timeouts"`
	RateLimit           RateLimitConfig   `yaml:"rate_limit" validate:"required"`
	DetectFix           DetectFixLimits   `yaml:"detect_fix"`
}

// DetectFixLimits bounds the detect-and-fix cycle:
// how many review/correction cycles a manuscript gets, how many correction
// attempts a single chapter gets before it is left alone, and after how
// many cycles a recurring issue is escalated rather than retried silently.
type DetectFixLimits struct {
	MaxCycles                     int     `yaml:"max_cycles" validate:"required,min=1,max=50"`
	MaxCorrectionsPerChapter      int     `yaml:"max_corrections_per_chapter" validate:"required,min=1,max=20"`
	PersistentIssueCycleThreshold int     `yaml:"persistent_issue_cycle_threshold" validate:"required,min=1,max=20"`
	ScoreThreshold                float64 `yaml:"score_threshold" validate:"required,min=0,max=10"`
	RequiredConsecutiveHighScores int     `yaml:"required_consecutive_high_scores" validate:"required,min=1,max=10"`
	MinWordsPerChapter            int     `yaml:"min_words_per_chapter" validate:"required,min=100"`
	MaxWordsPerChapter            int     `yaml:"max_words_per_chapter" validate:"required,min=100"`
}

type PhaseTimeouts struct {
	Planning     time.Duration `yaml:"planning" validate:"min=1m,max=6h"`
	Architecture time.Duration `yaml:"architecture" validate:"min=1m,max=6h"`
	Writing      time.Duration `yaml:"writing" validate:"min=5m,max=6h"`
	Assembly     time.Duration `yaml:"assembly" validate:"min=1m,max=6h"`
	Critique     time.Duration `yaml:"critique" validate:"min=1m,max=6h"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"required,min=1,max=1000"`
	BurstSize        int `yaml:"burst_size" validate:"required,min=1,max=100"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentWriters: 10,
		MaxPromptSize:       200000,
		MaxRetries:         5,
		TotalTimeout:       6 * time.Hour, // Extended from 2 hours to 6 hours
		PhaseTimeouts: PhaseTimeouts{
			Planning:     45 * time.Minute, // Extended from 10 to 45 minutes
			Architecture: 60 * time.Minute, // Extended from 15 to 60 minutes  
			Writing:      3 * time.Hour,    // Extended from 60 minutes to 3 hours
			Assembly:     30 * time.Minute, // Extended from 5 to 30 minutes
			Critique:     45 * time.Minute, // Extended from 10 to 45 minutes
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 30,
			BurstSize:        15,
		},
		DetectFix: DetectFixLimits{
			MaxCycles:                     15,
			MaxCorrectionsPerChapter:      4,
			PersistentIssueCycleThreshold: 3,
			ScoreThreshold:                9.0,
			RequiredConsecutiveHighScores: 2,
			MinWordsPerChapter:            1500,
			MaxWordsPerChapter:            4000,
		},
	}
}