package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL string
	ServerAddr  string

	BotToken         string
	BotAPIURL        string
	BotRatePerSecond float64
	// WebhookURL switches update delivery from long polling to a webhook.
	WebhookURL    string
	WebhookSecret string
	// AdminTokenHash is the bcrypt hash of the admin API bearer token.
	AdminTokenHash string

	SchedulerInterval   time.Duration
	DialogPruneInterval time.Duration
	LogLevel            string
	LogPretty           bool

	Contest Contest
}

// Contest holds the tunables of the contest itself. It is read from the YAML
// file named by CONTEST_CONFIG_FILE; a few keys can be overridden from the
// environment.
type Contest struct {
	ChatID int64 `yaml:"chat_id"`

	ContestDuration              time.Duration `yaml:"contest_duration"`
	VotingDuration               time.Duration `yaml:"voting_duration"`
	SuggestionCollectionDuration time.Duration `yaml:"suggestion_collection_duration"`
	SuggestionVotingDuration     time.Duration `yaml:"suggestion_voting_duration"`

	ContestPreview              time.Duration `yaml:"contest_preview"`
	VotingPreview               time.Duration `yaml:"voting_preview"`
	SuggestionCollectionPreview time.Duration `yaml:"suggestion_collection_preview"`

	// MinSuggestions below this at the collection preview extends collection
	// by SuggestionExtension.
	MinSuggestions      int           `yaml:"min_suggestions"`
	SuggestionExtension time.Duration `yaml:"suggestion_extension"`

	VoteMin           int           `yaml:"vote_min"`
	VoteMax           int           `yaml:"vote_max"`
	VoteNeutral       int           `yaml:"vote_neutral"`
	MinVotesForWinner int           `yaml:"min_votes_for_winner"`
	StatsThrottle     time.Duration `yaml:"stats_throttle"`
	IndicatorRate     float64       `yaml:"indicator_rate"`

	PostponeQuorum      int           `yaml:"postpone_quorum"`
	PostponeCost        int64         `yaml:"postpone_cost"`
	PostponeMaxDuration time.Duration `yaml:"postpone_max_duration"`
	PostponeLockTimeout time.Duration `yaml:"postpone_lock_timeout"`

	ParticipationReward int64 `yaml:"participation_reward"`
	WinnerReward        int64 `yaml:"winner_reward"`

	WinnerChoiceTimeout   time.Duration `yaml:"winner_choice_timeout"`
	AdminVoteTimeout      time.Duration `yaml:"admin_vote_timeout"`
	AdminGraceWindow      time.Duration `yaml:"admin_grace_window"`
	TransitionLockTimeout time.Duration `yaml:"transition_lock_timeout"`

	DialogCapacity    int           `yaml:"dialog_capacity"`
	DialogIdleTimeout time.Duration `yaml:"dialog_idle_timeout"`

	RandomTasks   []string `yaml:"random_tasks"`
	AdminIDs      []int64  `yaml:"admin_ids"`
	SupervisorIDs []int64  `yaml:"supervisor_ids"`
}

const day = 24 * time.Hour

// Previews maps each phase with a preview signal to its offset before the
// deadline.
func (c Contest) Previews() map[contest.Phase]time.Duration {
	return map[contest.Phase]time.Duration{
		contest.PhaseContest:                  c.ContestPreview,
		contest.PhaseVoting:                   c.VotingPreview,
		contest.PhaseTaskSuggestionCollection: c.SuggestionCollectionPreview,
	}
}

// DefaultContest returns the built-in contest tunables.
func DefaultContest() Contest {
	return Contest{
		ContestDuration:              7 * day,
		VotingDuration:               3 * day,
		SuggestionCollectionDuration: 2 * day,
		SuggestionVotingDuration:     day,

		ContestPreview:              day,
		VotingPreview:               12 * time.Hour,
		SuggestionCollectionPreview: 6 * time.Hour,

		MinSuggestions:      2,
		SuggestionExtension: day,

		VoteMin:           1,
		VoteMax:           5,
		VoteNeutral:       3,
		MinVotesForWinner: 2,
		StatsThrottle:     20 * time.Second,
		IndicatorRate:     1,

		PostponeQuorum:      3,
		PostponeCost:        10,
		PostponeMaxDuration: 7 * day,
		PostponeLockTimeout: 30 * time.Second,

		ParticipationReward: 5,
		WinnerReward:        20,

		WinnerChoiceTimeout:   day,
		AdminVoteTimeout:      12 * time.Hour,
		AdminGraceWindow:      10 * time.Minute,
		TransitionLockTimeout: time.Hour,

		DialogCapacity:    15,
		DialogIdleTimeout: 2 * day,

		RandomTasks: []string{
			"Record a track using only sounds from your kitchen",
			"Make a song in a time signature you never used",
			"Cover a nursery rhyme in a genre of your choice",
		},
	}
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "contest")
		pass := getenv("POSTGRES_PASSWORD", "contest_pass")
		db := getenv("POSTGRES_DB", "contest")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	contest := DefaultContest()
	if path := os.Getenv("CONTEST_CONFIG_FILE"); path != "" {
		if err := LoadContestFile(path, &contest); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("CONTEST_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("CONTEST_CHAT_ID: %w", err)
		}
		contest.ChatID = id
	}
	contest.PostponeQuorum = parseInt(os.Getenv("POSTPONE_QUORUM"), contest.PostponeQuorum)
	contest.MinVotesForWinner = parseInt(os.Getenv("MIN_VOTES_FOR_WINNER"), contest.MinVotesForWinner)
	contest.AdminIDs = append(contest.AdminIDs, parseInt64List(os.Getenv("ADMIN_IDS"))...)
	contest.SupervisorIDs = append(contest.SupervisorIDs, parseInt64List(os.Getenv("SUPERVISOR_IDS"))...)

	if err := contest.Validate(); err != nil {
		return nil, err
	}

	return &Config{
		DatabaseURL:         dsn,
		ServerAddr:          getenv("SERVER_ADDR", "0.0.0.0:8080"),
		BotToken:            os.Getenv("BOT_TOKEN"),
		BotAPIURL:           getenv("BOT_API_URL", "https://api.telegram.org"),
		BotRatePerSecond:    parseFloat(getenv("BOT_RATE_PER_SECOND", "20"), 20),
		WebhookURL:          os.Getenv("WEBHOOK_URL"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		AdminTokenHash:      os.Getenv("ADMIN_TOKEN_HASH"),
		SchedulerInterval:   parseDuration(getenv("SCHEDULER_INTERVAL", "10s"), 10*time.Second),
		DialogPruneInterval: parseDuration(getenv("DIALOG_PRUNE_INTERVAL", "10m"), 10*time.Minute),
		LogLevel:            getenv("LOG_LEVEL", "info"),
		LogPretty:           parseBool(getenv("LOG_PRETTY", "false"), false),
		Contest:             contest,
	}, nil
}

// LoadContestFile overlays the YAML file at path onto c.
func LoadContestFile(path string, c *Contest) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load contest config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse contest config %q: %w", path, err)
	}
	return nil
}

// Validate checks the tunables for values the engines cannot work with.
func (c Contest) Validate() error {
	var errs []error
	if c.VoteMin > c.VoteMax {
		errs = append(errs, errors.New("vote_min must not exceed vote_max"))
	}
	if c.VoteNeutral < c.VoteMin || c.VoteNeutral > c.VoteMax {
		errs = append(errs, errors.New("vote_neutral must be within vote_min..vote_max"))
	}
	if c.PostponeQuorum < 1 {
		errs = append(errs, errors.New("postpone_quorum must be at least 1"))
	}
	if c.PostponeCost < 0 {
		errs = append(errs, errors.New("postpone_cost must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"contest_duration":               c.ContestDuration,
		"voting_duration":                c.VotingDuration,
		"suggestion_collection_duration": c.SuggestionCollectionDuration,
		"suggestion_voting_duration":     c.SuggestionVotingDuration,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloat(val string, def float64) float64 {
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}

func parseInt64List(val string) []int64 {
	var out []int64
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}
