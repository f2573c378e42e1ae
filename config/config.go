// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup; only
// BOT_TOKEN is required, checked by Validate.
//
// An optional YAML file named by CONFIG_FILE supplies values under the same names as the
// environment variables (case-insensitive, e.g. bot_token or BOT_TOKEN). Environment
// variables always win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSplitSizeBytes is 1800 MiB, under the 2 GB bot upload cap.
const DefaultSplitSizeBytes int64 = 1800 * 1024 * 1024

type Config struct {
	// Telegram
	BotToken    string
	APIEndpoint string

	// Capture tool
	FFmpegBin      string
	FFprobeBin     string
	CaptureFormat  string
	SplitSizeBytes int64
	// SplitFallbackSegment is the segment length when the artifact duration is unknown.
	SplitFallbackSegment time.Duration

	// Access
	SudoUsers           []int64
	AllowPrivateCapture bool

	// Chats
	DumpChannelID  int64
	OperatorChatID int64

	// Jobs
	DataDir               string
	Caption               string
	MaxCaptureDuration    time.Duration
	MaxConcurrentCaptures int
	SweepOnStart          bool
	QuarantineMaxAge      time.Duration

	// Database (optional; empty disables capture history)
	DBDsn string
	// HistoryEncryptionKey seals source URLs in capture history (base64, 32 bytes).
	HistoryEncryptionKey string

	// HTTP
	HTTPAddr      string
	AdminToken    string
	AdminUsername string
	AdminPassword string
	// RateLimitRequests is the per-IP allowance on /admin/ endpoints per RateLimitWindow; 0 disables.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// source resolves a setting: environment first, then the YAML file.
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return s.file[key]
}

// Load reads environment variables (and CONFIG_FILE, if set) and applies defaults.
// Malformed values are errors; missing ones take their default.
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	cfg := &Config{
		BotToken:             strings.TrimSpace(src.get("BOT_TOKEN")),
		APIEndpoint:          src.get("TELEGRAM_API_ENDPOINT"),
		FFmpegBin:            orDefault(src.get("FFMPEG_BIN"), "ffmpeg"),
		FFprobeBin:           orDefault(src.get("FFPROBE_BIN"), "ffprobe"),
		CaptureFormat:        orDefault(src.get("CAPTURE_FORMAT"), "matroska"),
		DataDir:              orDefault(src.get("DATA_DIR"), "data"),
		Caption:              orDefault(src.get("CAPTURE_CAPTION"), "Recording live stream"),
		DBDsn:                src.get("DB_DSN"),
		HistoryEncryptionKey: src.get("HISTORY_ENCRYPTION_KEY"),
		HTTPAddr:             orDefault(src.get("HTTP_ADDR"), ":8080"),
		AdminToken:           src.get("ADMIN_TOKEN"),
		AdminUsername:        src.get("ADMIN_USERNAME"),
		AdminPassword:        src.get("ADMIN_PASSWORD"),
	}

	var errs []error
	var err error
	if cfg.SplitSizeBytes, err = parseInt64(src, "SPLIT_SIZE_BYTES", DefaultSplitSizeBytes); err != nil {
		errs = append(errs, err)
	} else if cfg.SplitSizeBytes <= 0 {
		errs = append(errs, fmt.Errorf("invalid SPLIT_SIZE_BYTES: must be positive"))
	}
	if cfg.SplitFallbackSegment, err = parseDuration(src, "SPLIT_FALLBACK_SEGMENT", time.Hour); err != nil {
		errs = append(errs, err)
	}
	if cfg.SudoUsers, err = parseIDList(src.get("SUDO_USERS")); err != nil {
		errs = append(errs, fmt.Errorf("invalid SUDO_USERS: %w", err))
	}
	if cfg.DumpChannelID, err = parseInt64(src, "DATABASE_DUMP_CHANNEL", 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.OperatorChatID, err = parseInt64(src, "OPERATOR_CHAT_ID", cfg.DumpChannelID); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxCaptureDuration, err = parseDuration(src, "MAX_CAPTURE_DURATION", 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.QuarantineMaxAge, err = parseDuration(src, "QUARANTINE_MAX_AGE", 0); err != nil {
		errs = append(errs, err)
	}
	n, err := parseInt64(src, "MAX_CONCURRENT_CAPTURES", 0)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.MaxConcurrentCaptures = int(n)
	rl, err := parseInt64(src, "RATE_LIMIT_REQUESTS_PER_IP", 10)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.RateLimitRequests = int(rl)
	if cfg.RateLimitWindow, err = parseDuration(src, "RATE_LIMIT_WINDOW", time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.AllowPrivateCapture, err = parseBool(src, "ALLOW_PRIVATE_CAPTURE", false); err != nil {
		errs = append(errs, err)
	}
	if cfg.SweepOnStart, err = parseBool(src, "SWEEP_ON_START", true); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the bot cannot start without.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("missing BOT_TOKEN")
	}
	if c.DataDir == "" {
		return fmt.Errorf("missing DATA_DIR")
	}
	return nil
}

// IsSudo reports whether id is listed in SUDO_USERS.
func (c *Config) IsSudo(id int64) bool {
	for _, u := range c.SudoUsers {
		if u == id {
			return true
		}
	}
	return false
}

func readFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read CONFIG_FILE: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse CONFIG_FILE %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToUpper(k)
		switch vv := v.(type) {
		case nil:
		case []any:
			items := make([]string, 0, len(vv))
			for _, item := range vv {
				items = append(items, fmt.Sprint(item))
			}
			out[key] = strings.Join(items, ",")
		case bool:
			out[key] = map[bool]string{true: "1", false: "0"}[vv]
		default:
			out[key] = fmt.Sprint(vv)
		}
	}
	return out, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func parseInt64(src source, key string, def int64) (int64, error) {
	v := strings.TrimSpace(src.get(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func parseDuration(src source, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(src.get(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if secs, aerr := strconv.Atoi(v); aerr == nil {
		d, err = time.Duration(secs)*time.Second, nil
	}
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: negative duration", key)
	}
	return d, nil
}

func parseBool(src source, key string, def bool) (bool, error) {
	v := strings.TrimSpace(src.get(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// parseIDList parses "1, 2 3" style lists of chat user ids.
func parseIDList(v string) ([]int64, error) {
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' || r == '\n' })
	ids := make([]int64, 0, len(fields))
	seen := make(map[int64]struct{}, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a user id", f)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}
