package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
)

const (
	// defaults
	IdentityDefault              = "translator"
	ChunkDurationMsDefault       = 250
	ContextTokenCapDefault       = 512
	MaxConcurrentSessionsDefault = 4
	TTFTTargetMsDefault          = 450
	CaptionTargetMsDefault       = 250
	MaxRetractionRateDefault     = 0.05
	SpeechSpeedDefault           = 1.0

	minChunkDurationMs = 100
	maxChunkDurationMs = 1000
	minSecretLen       = 32
)

type CallTranslatorConfig struct {
	// room config
	RoomURL       string
	RoomAPIKey    string
	RoomAPISecret string
	RoomName      string
	Identity      string

	// service config
	SttURL string
	MtURL  string
	TtsURL string

	// pipeline config
	TargetLanguages       []string
	VoiceMap              map[string]string
	ChunkDurationMs       int
	ContextTokenCap       int
	MaxConcurrentSessions int
	SpeechSpeed           float64

	// SLO config
	TTFTTargetMs      int
	CaptionTargetMs   int
	MaxRetractionRate float64
}

func validateServiceURL(name, rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%s parsing failed: %w", name, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s parsing failed: invalid scheme %q", name, u.Scheme)
	}
	return nil
}

func (cfg CallTranslatorConfig) IsValid() error {
	if cfg.RoomURL == "" {
		return fmt.Errorf("RoomURL cannot be empty")
	}

	u, err := url.Parse(cfg.RoomURL)
	if err != nil {
		return fmt.Errorf("RoomURL parsing failed: %w", err)
	} else if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("RoomURL parsing failed: invalid scheme %q", u.Scheme)
	} else if u.Path != "" {
		return fmt.Errorf("RoomURL parsing failed: invalid path %q", u.Path)
	}

	if cfg.RoomAPIKey == "" {
		return fmt.Errorf("RoomAPIKey cannot be empty")
	}

	if cfg.RoomAPISecret == "" {
		return fmt.Errorf("RoomAPISecret cannot be empty")
	} else if len(cfg.RoomAPISecret) < minSecretLen {
		return fmt.Errorf("RoomAPISecret should be at least %d characters long", minSecretLen)
	}

	if cfg.RoomName == "" {
		return fmt.Errorf("RoomName cannot be empty")
	}

	if err := validateServiceURL("SttURL", cfg.SttURL); err != nil {
		return err
	}
	if err := validateServiceURL("MtURL", cfg.MtURL); err != nil {
		return err
	}
	if err := validateServiceURL("TtsURL", cfg.TtsURL); err != nil {
		return err
	}

	if len(cfg.TargetLanguages) == 0 {
		return fmt.Errorf("TargetLanguages cannot be empty")
	}
	for _, lang := range cfg.TargetLanguages {
		if lang == "" {
			return fmt.Errorf("TargetLanguages cannot contain empty entries")
		}
	}

	if cfg.ChunkDurationMs < minChunkDurationMs || cfg.ChunkDurationMs > maxChunkDurationMs {
		return fmt.Errorf("ChunkDurationMs should be in the range [%d, %d]", minChunkDurationMs, maxChunkDurationMs)
	}

	if cfg.ContextTokenCap <= 0 {
		return fmt.Errorf("ContextTokenCap should be a positive number")
	}

	if cfg.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("MaxConcurrentSessions should be a positive number")
	}

	if cfg.SpeechSpeed <= 0 {
		return fmt.Errorf("SpeechSpeed should be a positive number")
	}

	if cfg.TTFTTargetMs <= 0 {
		return fmt.Errorf("TTFTTargetMs should be a positive number")
	}

	if cfg.CaptionTargetMs <= 0 {
		return fmt.Errorf("CaptionTargetMs should be a positive number")
	}

	if cfg.MaxRetractionRate <= 0 || cfg.MaxRetractionRate > 1 {
		return fmt.Errorf("MaxRetractionRate should be in the range (0, 1]")
	}

	return nil
}

func (cfg *CallTranslatorConfig) SetDefaults() {
	if cfg.Identity == "" {
		cfg.Identity = IdentityDefault
	}

	if cfg.ChunkDurationMs == 0 {
		cfg.ChunkDurationMs = ChunkDurationMsDefault
	}

	if cfg.ContextTokenCap == 0 {
		cfg.ContextTokenCap = ContextTokenCapDefault
	}

	if cfg.MaxConcurrentSessions == 0 {
		cfg.MaxConcurrentSessions = MaxConcurrentSessionsDefault
	}

	if cfg.SpeechSpeed == 0 {
		cfg.SpeechSpeed = SpeechSpeedDefault
	}

	if cfg.TTFTTargetMs == 0 {
		cfg.TTFTTargetMs = TTFTTargetMsDefault
	}

	if cfg.CaptionTargetMs == 0 {
		cfg.CaptionTargetMs = CaptionTargetMsDefault
	}

	if cfg.MaxRetractionRate == 0 {
		cfg.MaxRetractionRate = MaxRetractionRateDefault
	}
}

// VoiceForLanguage returns the configured voice preset for a target language,
// falling back to the language's default voice when unmapped.
func (cfg CallTranslatorConfig) VoiceForLanguage(lang string) string {
	if voice, ok := cfg.VoiceMap[lang]; ok {
		return voice
	}
	return lang + "-default"
}

func (cfg CallTranslatorConfig) ToEnv() []string {
	return []string{
		fmt.Sprintf("ROOM_URL=%s", cfg.RoomURL),
		fmt.Sprintf("ROOM_API_KEY=%s", cfg.RoomAPIKey),
		fmt.Sprintf("ROOM_API_SECRET=%s", cfg.RoomAPISecret),
		fmt.Sprintf("ROOM_NAME=%s", cfg.RoomName),
		fmt.Sprintf("IDENTITY=%s", cfg.Identity),
		fmt.Sprintf("STT_URL=%s", cfg.SttURL),
		fmt.Sprintf("MT_URL=%s", cfg.MtURL),
		fmt.Sprintf("TTS_URL=%s", cfg.TtsURL),
		fmt.Sprintf("TARGET_LANGUAGES=%s", strings.Join(cfg.TargetLanguages, ",")),
		fmt.Sprintf("VOICE_MAP=%s", voiceMapToString(cfg.VoiceMap)),
		fmt.Sprintf("CHUNK_DURATION_MS=%d", cfg.ChunkDurationMs),
		fmt.Sprintf("CONTEXT_TOKEN_CAP=%d", cfg.ContextTokenCap),
		fmt.Sprintf("MAX_CONCURRENT_SESSIONS=%d", cfg.MaxConcurrentSessions),
		fmt.Sprintf("SPEECH_SPEED=%g", cfg.SpeechSpeed),
		fmt.Sprintf("TTFT_TARGET_MS=%d", cfg.TTFTTargetMs),
		fmt.Sprintf("CAPTION_TARGET_MS=%d", cfg.CaptionTargetMs),
		fmt.Sprintf("MAX_RETRACTION_RATE=%g", cfg.MaxRetractionRate),
	}
}

func (cfg CallTranslatorConfig) ToMap() map[string]any {
	return map[string]any{
		"room_url":                cfg.RoomURL,
		"room_api_key":            cfg.RoomAPIKey,
		"room_api_secret":         cfg.RoomAPISecret,
		"room_name":               cfg.RoomName,
		"identity":                cfg.Identity,
		"stt_url":                 cfg.SttURL,
		"mt_url":                  cfg.MtURL,
		"tts_url":                 cfg.TtsURL,
		"target_languages":        strings.Join(cfg.TargetLanguages, ","),
		"voice_map":               voiceMapToString(cfg.VoiceMap),
		"chunk_duration_ms":       cfg.ChunkDurationMs,
		"context_token_cap":       cfg.ContextTokenCap,
		"max_concurrent_sessions": cfg.MaxConcurrentSessions,
		"speech_speed":            cfg.SpeechSpeed,
		"ttft_target_ms":          cfg.TTFTTargetMs,
		"caption_target_ms":       cfg.CaptionTargetMs,
		"max_retraction_rate":     cfg.MaxRetractionRate,
	}
}

func (cfg *CallTranslatorConfig) FromMap(m map[string]any) *CallTranslatorConfig {
	cfg.RoomURL, _ = m["room_url"].(string)
	cfg.RoomAPIKey, _ = m["room_api_key"].(string)
	cfg.RoomAPISecret, _ = m["room_api_secret"].(string)
	cfg.RoomName, _ = m["room_name"].(string)
	cfg.Identity, _ = m["identity"].(string)
	cfg.SttURL, _ = m["stt_url"].(string)
	cfg.MtURL, _ = m["mt_url"].(string)
	cfg.TtsURL, _ = m["tts_url"].(string)

	if langs, ok := m["target_languages"].(string); ok {
		cfg.TargetLanguages = parseLanguages(langs)
	}
	if voices, ok := m["voice_map"].(string); ok {
		cfg.VoiceMap = parseVoiceMap(voices)
	}

	// Numeric values can either be int or float64 depending on whether
	// they've been previously marshaled or not.
	cfg.ChunkDurationMs = intFromMap(m, "chunk_duration_ms")
	cfg.ContextTokenCap = intFromMap(m, "context_token_cap")
	cfg.MaxConcurrentSessions = intFromMap(m, "max_concurrent_sessions")
	cfg.TTFTTargetMs = intFromMap(m, "ttft_target_ms")
	cfg.CaptionTargetMs = intFromMap(m, "caption_target_ms")
	cfg.SpeechSpeed, _ = m["speech_speed"].(float64)
	cfg.MaxRetractionRate, _ = m["max_retraction_rate"].(float64)

	return cfg
}

func FromEnv() (CallTranslatorConfig, error) {
	var cfg CallTranslatorConfig
	cfg.RoomURL = strings.TrimSuffix(os.Getenv("ROOM_URL"), "/")
	cfg.RoomAPIKey = os.Getenv("ROOM_API_KEY")
	cfg.RoomAPISecret = os.Getenv("ROOM_API_SECRET")
	cfg.RoomName = os.Getenv("ROOM_NAME")
	cfg.Identity = os.Getenv("IDENTITY")
	cfg.SttURL = os.Getenv("STT_URL")
	cfg.MtURL = os.Getenv("MT_URL")
	cfg.TtsURL = os.Getenv("TTS_URL")
	cfg.TargetLanguages = parseLanguages(os.Getenv("TARGET_LANGUAGES"))
	cfg.VoiceMap = parseVoiceMap(os.Getenv("VOICE_MAP"))
	cfg.ChunkDurationMs, _ = strconv.Atoi(os.Getenv("CHUNK_DURATION_MS"))
	cfg.ContextTokenCap, _ = strconv.Atoi(os.Getenv("CONTEXT_TOKEN_CAP"))
	cfg.MaxConcurrentSessions, _ = strconv.Atoi(os.Getenv("MAX_CONCURRENT_SESSIONS"))
	cfg.TTFTTargetMs, _ = strconv.Atoi(os.Getenv("TTFT_TARGET_MS"))
	cfg.CaptionTargetMs, _ = strconv.Atoi(os.Getenv("CAPTION_TARGET_MS"))

	if val := os.Getenv("SPEECH_SPEED"); val != "" {
		speed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return cfg, fmt.Errorf("failed to parse SPEECH_SPEED: %w", err)
		}
		cfg.SpeechSpeed = speed
	}

	if val := os.Getenv("MAX_RETRACTION_RATE"); val != "" {
		rate, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return cfg, fmt.Errorf("failed to parse MAX_RETRACTION_RATE: %w", err)
		}
		cfg.MaxRetractionRate = rate
	}

	return cfg, nil
}

// parseLanguages splits a comma separated language list, e.g. "es,fr,de".
func parseLanguages(val string) []string {
	if val == "" {
		return nil
	}

	var langs []string
	for _, lang := range strings.Split(val, ",") {
		if lang = strings.TrimSpace(lang); lang != "" {
			langs = append(langs, lang)
		}
	}
	return langs
}

// parseVoiceMap parses a language to voice preset mapping, e.g.
// "es:es-mx-female-1,fr:fr-ca-male-2".
func parseVoiceMap(val string) map[string]string {
	if val == "" {
		return nil
	}

	voices := make(map[string]string)
	for _, pair := range strings.Split(val, ",") {
		lang, voice, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || lang == "" || voice == "" {
			continue
		}
		voices[lang] = voice
	}

	if len(voices) == 0 {
		return nil
	}

	return voices
}

func voiceMapToString(voices map[string]string) string {
	langs := make([]string, 0, len(voices))
	for lang := range voices {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	pairs := make([]string, 0, len(langs))
	for _, lang := range langs {
		pairs = append(pairs, lang+":"+voices[lang])
	}
	return strings.Join(pairs, ",")
}

func intFromMap(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
