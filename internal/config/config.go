package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-wide settings. Values come from the environment,
// optionally seeded from a .env file.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	DBPath      string
	ArtifactDir string

	DetectorMode     string // grpc or http
	DetectorEndpoint string
	RecognizerMode   string // http or local
	RecognizerURL    string
	ModelCallTimeout time.Duration
	DefaultModel     string
	Models           []string // empty accepts any model id

	Detection DetectionConfig
	Tracker   TrackerConfig
	Source    SourceConfig
	Worker    WorkerConfig

	WebhookTimeout  time.Duration
	RestoreChannels bool
	EventRetention  time.Duration

	Auth AuthConfig
}

// DetectionConfig holds thresholds passed to the detector.
type DetectionConfig struct {
	MinConfidence float64
	IoU           float64
	LabelClassID  int // -1 accepts any class
}

// TrackerConfig holds stability and gating thresholds.
type TrackerConfig struct {
	MinStableFrames   int
	IoUThreshold      float64
	MinAreaRatio      float64
	FocusThreshold    float64
	HashDistance      int
	Cooldown          int
	PartialCooldown   int
	CropMargin        float64
	MinLineConfidence float64
}

// SourceConfig holds frame-source timings.
type SourceConfig struct {
	ReconnectDelay time.Duration
	WarmupReads    int
	MaxDrain       int
	ReadSleep      time.Duration
	StaleAfter     time.Duration
	ReadTimeout    time.Duration
	FFmpegPath     string
}

// WorkerConfig holds channel loop settings.
type WorkerConfig struct {
	CycleSleep    time.Duration
	FallbackAsset string
	FallbackAfter time.Duration
}

// AuthConfig holds HTTP API authentication settings.
type AuthConfig struct {
	Enabled   bool
	Username  string
	Password  string
	JWTSecret string
	TokenTTL  time.Duration
}

// Load reads configuration. A missing .env file is not an error.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[Config] failed to read .env: %v", err)
	}

	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr: getEnv("GRPC_ADDR", ":50051"),

		DBPath:      getEnv("DB_PATH", "medlabel.db"),
		ArtifactDir: getEnv("ARTIFACT_DIR", "artifacts"),

		DetectorMode:     strings.ToLower(getEnv("DETECTOR_MODE", "grpc")),
		DetectorEndpoint: getEnv("DETECTOR_ENDPOINT", "localhost:50052"),
		RecognizerMode:   strings.ToLower(getEnv("RECOGNIZER_MODE", "http")),
		RecognizerURL:    getEnv("RECOGNIZER_URL", "http://localhost:8090"),
		ModelCallTimeout: getEnvAsDuration("MODEL_CALL_TIMEOUT", 0),
		DefaultModel:     getEnv("DEFAULT_MODEL", ""),
		Models:           getEnvAsList("MODELS"),

		Detection: DetectionConfig{
			MinConfidence: getEnvAsFloat("YOLO_MIN_CONF", 0.30),
			IoU:           getEnvAsFloat("YOLO_IOU", 0.40),
			LabelClassID:  getEnvAsInt("LABEL_CLASS_ID", -1),
		},
		Tracker: TrackerConfig{
			MinStableFrames:   getEnvAsInt("MIN_STABLE_FRAMES", 5),
			IoUThreshold:      getEnvAsFloat("STABLE_IOU", 0.6),
			MinAreaRatio:      getEnvAsFloat("MIN_AREA_RATIO", 0.02),
			FocusThreshold:    getEnvAsFloat("FOCUS_THRESHOLD", 100),
			HashDistance:      getEnvAsInt("PHASH_DISTANCE", 6),
			Cooldown:          getEnvAsInt("OCR_COOLDOWN_FRAMES", 30),
			PartialCooldown:   getEnvAsInt("OCR_PARTIAL_COOLDOWN_FRAMES", 5),
			CropMargin:        getEnvAsFloat("CROP_MARGIN", 0.08),
			MinLineConfidence: getEnvAsFloat("OCR_MIN_CONF", 0.35),
		},
		Source: SourceConfig{
			ReconnectDelay: getEnvAsSeconds("RTSP_RECONNECT_DELAY", 2*time.Second),
			WarmupReads:    getEnvAsInt("RTSP_WARMUP_READS", 5),
			MaxDrain:       getEnvAsInt("RTSP_MAX_DRAIN", 8),
			ReadSleep:      time.Duration(getEnvAsInt("READ_SLEEP_MS", 1)) * time.Millisecond,
			StaleAfter:     time.Duration(getEnvAsInt("FRAME_STALE_MS", 1500)) * time.Millisecond,
			ReadTimeout:    getEnvAsDuration("RTSP_READ_TIMEOUT", 10*time.Second),
			FFmpegPath:     getEnv("FFMPEG_PATH", "ffmpeg"),
		},
		Worker: WorkerConfig{
			CycleSleep:    time.Duration(getEnvAsInt("LOOP_SLEEP_MS", 10)) * time.Millisecond,
			FallbackAsset: getEnv("FALLBACK_ASSET", "assets/fallback.mp4"),
			FallbackAfter: getEnvAsDuration("FALLBACK_AFTER", 5*time.Second),
		},

		WebhookTimeout:  getEnvAsDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		RestoreChannels: getEnvAsBool("RESTORE_CHANNELS", true),
		EventRetention:  getEnvAsDuration("EVENT_RETENTION", 30*24*time.Hour),

		Auth: AuthConfig{
			Enabled:   getEnvAsBool("AUTH_ENABLED", false),
			Username:  getEnv("AUTH_USERNAME", "admin"),
			Password:  getEnv("AUTH_PASSWORD", ""),
			JWTSecret: getEnv("JWT_SECRET", ""),
			TokenTTL:  getEnvAsDuration("JWT_EXPIRY", 24*time.Hour),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Printf("[Config] invalid integer for %s: %q, using %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("[Config] invalid number for %s: %q, using %g", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("[Config] invalid duration for %s: %q, using %s", key, value, defaultValue)
	}
	return defaultValue
}

// getEnvAsSeconds accepts plain seconds ("2.0") as well as Go durations ("2s").
func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return getEnvAsDuration(key, defaultValue)
}
