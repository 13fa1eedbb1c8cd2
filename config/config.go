// renderexport/config/config.go
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	RenderBaseURL string `mapstructure:"RENDER_BASE_URL" validate:"required,url"`
	Port          string `mapstructure:"PORT" validate:"required"`
	BaseURL       string `mapstructure:"BASE"`
	TempRoot      string `mapstructure:"TEMP_ROOT" validate:"required"`
	MaxBodySize   int64  `mapstructure:"MAX_BODY_SIZE" validate:"gt=0"`

	MaxDuration    time.Duration `mapstructure:"MAX_DURATION" validate:"gt=0"`
	MaxPreRollWait time.Duration `mapstructure:"MAX_PREROLL_WAIT" validate:"gte=0"`
	MaxFPS         int           `mapstructure:"MAX_FPS" validate:"gte=1"`

	RateLimitWindow  time.Duration `mapstructure:"RATE_LIMIT_WINDOW" validate:"gt=0"`
	RateLimitMax     int           `mapstructure:"RATE_LIMIT_MAX" validate:"gte=1"`
	RateLimitBackend string        `mapstructure:"RATE_LIMIT_BACKEND" validate:"oneof=memory redis"`
	RedisAddr        string        `mapstructure:"REDIS_ADDR" validate:"required_if=RateLimitBackend redis"`
	RedisPassword    string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB          int           `mapstructure:"REDIS_DB" validate:"gte=0"`

	AbandonAfter          time.Duration `mapstructure:"ABANDON_AFTER" validate:"gt=0"`
	MaxConcurrentCaptures int           `mapstructure:"MAX_CONCURRENT_CAPTURES" validate:"gte=1"`
	NavigationTimeout     time.Duration `mapstructure:"NAVIGATION_TIMEOUT" validate:"gt=0"`
	ChromePath            string        `mapstructure:"CHROME_PATH"`
	BrowserFlags          string        `mapstructure:"BROWSER_FLAGS"`

	FFBin         string        `mapstructure:"FF_BIN" validate:"required"`
	FFTimeout     time.Duration `mapstructure:"FF_TIMEOUT" validate:"gt=0"`
	EncodeArgs    string        `mapstructure:"ENCODE_ARGS" validate:"required"`
	TranscodeArgs string        `mapstructure:"TRANSCODE_ARGS" validate:"required"`

	ThrottleCPU      float64 `mapstructure:"THROTTLE_CPU" validate:"gte=0,lte=100"`
	ThrottleFreeMem  int64   `mapstructure:"THROTTLE_FREEMEM" validate:"gte=0"`
	ThrottleFreeDisk int64   `mapstructure:"THROTTLE_FREEDISK" validate:"gte=0"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"oneof=json text"`
	LogFile   string `mapstructure:"LOG_FILE"`
	LogSource bool   `mapstructure:"LOG_SOURCE"`
}

// legacyEnv maps config keys to the unprefixed variable names the first
// Node deployment of this service used.
var legacyEnv = map[string]string{
	"RENDER_BASE_URL": "UI_APP_URL",
	"PORT":            "PORT",
	"MAX_DURATION":    "MAX_TIME_TO_RECORD",
}

// stringToDurationHookFunc parses Go duration strings. A bare integer is
// read as milliseconds.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		s := strings.TrimSpace(data.(string))
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		return time.ParseDuration(s)
	}
}

// stringToByteSizeHookFunc parses human-readable size strings like "50MB".
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a size string; let the default decoder try.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("RENDER_BASE_URL", "http://localhost:3000")
	vp.SetDefault("PORT", "8000")
	vp.SetDefault("BASE", "")
	vp.SetDefault("TEMP_ROOT", filepath.Join(os.TempDir(), "renderexport"))
	vp.SetDefault("MAX_BODY_SIZE", "50MB")
	vp.SetDefault("MAX_DURATION", "10s")
	vp.SetDefault("MAX_PREROLL_WAIT", "30s")
	vp.SetDefault("MAX_FPS", 60)
	vp.SetDefault("RATE_LIMIT_WINDOW", "1m")
	vp.SetDefault("RATE_LIMIT_MAX", 10)
	vp.SetDefault("RATE_LIMIT_BACKEND", "memory")
	vp.SetDefault("REDIS_ADDR", "")
	vp.SetDefault("REDIS_PASSWORD", "")
	vp.SetDefault("REDIS_DB", 0)
	vp.SetDefault("ABANDON_AFTER", "5m")
	vp.SetDefault("MAX_CONCURRENT_CAPTURES", 2)
	vp.SetDefault("NAVIGATION_TIMEOUT", "30s")
	vp.SetDefault("CHROME_PATH", "")
	vp.SetDefault("BROWSER_FLAGS", "")
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FF_TIMEOUT", "2m")
	vp.SetDefault("ENCODE_ARGS", "-y -f image2pipe -framerate ${FPS} -i - -c:v libx264 -pix_fmt yuv420p -r ${FPS} ${OUTPUT}")
	vp.SetDefault("TRANSCODE_ARGS", "-y -i ${INPUT} -r ${FPS} -qscale 0 ${OUTPUT}")
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "json")
	vp.SetDefault("LOG_FILE", "")
	vp.SetDefault("LOG_SOURCE", false)

	vp.SetConfigName("renderexport")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/renderexport/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("RENDEREXPORT")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	// Prefixed names win over legacy ones.
	for key, legacy := range legacyEnv {
		if err := vp.BindEnv(key, "RENDEREXPORT_"+key, legacy); err != nil {
			return nil, err
		}
	}

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
