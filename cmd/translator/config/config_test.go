package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() CallTranslatorConfig {
	return CallTranslatorConfig{
		RoomURL:           "wss://sfu.example.com",
		RoomAPIKey:        "APIwqs9rgr7y3oq",
		RoomAPISecret:     "0123456789abcdef0123456789abcdef",
		RoomName:          "daily-standup",
		Identity:          "translator",
		SttURL:            "ws://localhost:8001",
		MtURL:             "ws://localhost:8002",
		TtsURL:            "ws://localhost:8003",
		TargetLanguages:   []string{"es", "fr"},
		VoiceMap:          map[string]string{"es": "es-mx-female-1"},
		ChunkDurationMs:   250,
		ContextTokenCap:   512,
		MaxConcurrentSessions: 4,
		SpeechSpeed:       1.0,
		TTFTTargetMs:      450,
		CaptionTargetMs:   250,
		MaxRetractionRate: 0.05,
	}
}

func TestConfigIsValid(t *testing.T) {
	tcs := []struct {
		name          string
		mutate        func(cfg *CallTranslatorConfig)
		expectedError string
	}{
		{
			name:   "valid config",
			mutate: func(_ *CallTranslatorConfig) {},
		},
		{
			name: "missing RoomURL",
			mutate: func(cfg *CallTranslatorConfig) {
				cfg.RoomURL = ""
			},
			expectedError: "RoomURL cannot be empty",
		},
		{
			name: "invalid RoomURL scheme",
			mutate: func(cfg *CallTranslatorConfig) {
				cfg.RoomURL = "ftp://sfu.example.com"
			},
			expectedError: "RoomURL parsing failed: invalid scheme \"ftp\"",
		},
		{
			name: "RoomURL with path",
			mutate: func(cfg *CallTranslatorConfig) {
				cfg.RoomURL = "wss://sfu.example.com/rtc"
			},
			expectedError: "RoomURL parsing failed: invalid path \"/rtc\"",
		},
		{
			name: "short RoomAPISecret",
			mutate: func(cfg *CallTranslatorConfig) {
				cfg.RoomAPISecret = "tooshort"
			},
			expectedError: "RoomAPISecret should be at least 32 characters long",
		},
		{
			name: "missing RoomName",
			mutate: func(cfg *CallTranslatorConfig) {
				cfg.RoomName = ""
			},
			expectedError: "RoomName cannot be empty",
		},
		{
			name: "invalid SttURL scheme",
			mutate: func(cfg *CallTranslatorConfig) {
				cfg.SttURL = "http://localhost:8001"
			},
			expectedError: "SttURL parsing failed: invalid scheme \"http\"",
		},
		{
			name: "missing MtURL",
			mutate: func(cfg *CallTranslatorConfig) {
				cfg.MtURL = ""
			},
			expectedError: "MtURL cannot be empty",
		},
		{
			name: "missing target languages",
			mutate: func(cfg *CallTranslatorConfig) {
				cfg.TargetLanguages = nil
			},
			expectedError: "TargetLanguages cannot be empty",
		},
		{
			name: "chunk duration too small",
			mutate: func(cfg *CallTranslatorConfig) {
				cfg.ChunkDurationMs = 50
			},
			expectedError: "ChunkDurationMs should be in the range [100, 1000]",
		},
		{
			name: "chunk duration too large",
			mutate: func(cfg *CallTranslatorConfig) {
				cfg.ChunkDurationMs = 2000
			},
			expectedError: "ChunkDurationMs should be in the range [100, 1000]",
		},
		{
			name: "invalid retraction rate",
			mutate: func(cfg *CallTranslatorConfig) {
				cfg.MaxRetractionRate = 1.5
			},
			expectedError: "MaxRetractionRate should be in the range (0, 1]",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.IsValid()
			if tc.expectedError == "" {
				require.NoError(t, err)
			} else {
				require.EqualError(t, err, tc.expectedError)
			}
		})
	}
}

func TestConfigSetDefaults(t *testing.T) {
	t.Run("empty input config", func(t *testing.T) {
		var cfg CallTranslatorConfig
		cfg.SetDefaults()
		require.Equal(t, CallTranslatorConfig{
			Identity:              IdentityDefault,
			ChunkDurationMs:       ChunkDurationMsDefault,
			ContextTokenCap:       ContextTokenCapDefault,
			MaxConcurrentSessions: MaxConcurrentSessionsDefault,
			SpeechSpeed:           SpeechSpeedDefault,
			TTFTTargetMs:          TTFTTargetMsDefault,
			CaptionTargetMs:       CaptionTargetMsDefault,
			MaxRetractionRate:     MaxRetractionRateDefault,
		}, cfg)
	})

	t.Run("no overrides", func(t *testing.T) {
		cfg := CallTranslatorConfig{
			ChunkDurationMs: 500,
		}
		cfg.SetDefaults()
		require.Equal(t, 500, cfg.ChunkDurationMs)
		require.Equal(t, IdentityDefault, cfg.Identity)
	})
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ROOM_URL", "wss://sfu.example.com/")
	t.Setenv("ROOM_API_KEY", "APIwqs9rgr7y3oq")
	t.Setenv("ROOM_API_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("ROOM_NAME", "daily-standup")
	t.Setenv("STT_URL", "ws://localhost:8001")
	t.Setenv("MT_URL", "ws://localhost:8002")
	t.Setenv("TTS_URL", "ws://localhost:8003")
	t.Setenv("TARGET_LANGUAGES", "es, fr ,de")
	t.Setenv("VOICE_MAP", "es:es-mx-female-1,fr:fr-ca-male-2")
	t.Setenv("CHUNK_DURATION_MS", "300")
	t.Setenv("SPEECH_SPEED", "1.2")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "wss://sfu.example.com", cfg.RoomURL)
	require.Equal(t, []string{"es", "fr", "de"}, cfg.TargetLanguages)
	require.Equal(t, map[string]string{
		"es": "es-mx-female-1",
		"fr": "fr-ca-male-2",
	}, cfg.VoiceMap)
	require.Equal(t, 300, cfg.ChunkDurationMs)
	require.Equal(t, 1.2, cfg.SpeechSpeed)

	cfg.SetDefaults()
	require.NoError(t, cfg.IsValid())
}

func TestConfigFromEnvInvalidSpeed(t *testing.T) {
	t.Setenv("SPEECH_SPEED", "fast")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestConfigMapRoundTrip(t *testing.T) {
	cfg := validConfig()

	var got CallTranslatorConfig
	got.FromMap(cfg.ToMap())
	require.Equal(t, cfg, got)
}

func TestConfigToEnv(t *testing.T) {
	cfg := validConfig()
	vars := cfg.ToEnv()
	require.Contains(t, vars, "ROOM_URL=wss://sfu.example.com")
	require.Contains(t, vars, "TARGET_LANGUAGES=es,fr")
	require.Contains(t, vars, "VOICE_MAP=es:es-mx-female-1")
	require.Contains(t, vars, "CHUNK_DURATION_MS=250")
	require.Contains(t, vars, "MAX_RETRACTION_RATE=0.05")
}

func TestVoiceForLanguage(t *testing.T) {
	cfg := validConfig()
	require.Equal(t, "es-mx-female-1", cfg.VoiceForLanguage("es"))
	require.Equal(t, "fr-default", cfg.VoiceForLanguage("fr"))
}
