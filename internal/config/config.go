package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"rensha/internal/camera"
	"rensha/internal/device"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix は環境変数の接頭辞（camera.width → RENSHA_CAMERA_WIDTH）
const EnvPrefix = "RENSHA"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Camera  CameraConfig  `mapstructure:"camera"`
	Preview PreviewConfig `mapstructure:"preview"`
	Encoder EncoderConfig `mapstructure:"encoder"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`

	// 0なら無期限に動作する
	Timeout time.Duration `mapstructure:"timeout"`
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Backend string `mapstructure:"backend"` // sim のみ
	ID      string `mapstructure:"id"`
	Mode    string `mapstructure:"mode"` // viewfinder, still, video

	Width            int  `mapstructure:"width"`
	Height           int  `mapstructure:"height"`
	ViewfinderWidth  int  `mapstructure:"viewfinder_width"`
	ViewfinderHeight int  `mapstructure:"viewfinder_height"`
	LoresWidth       int  `mapstructure:"lores_width"`
	LoresHeight      int  `mapstructure:"lores_height"`
	Raw              bool `mapstructure:"raw"`
	BufferCount      int  `mapstructure:"buffer_count"`
	Transform        int  `mapstructure:"transform"`

	Framerate  float64 `mapstructure:"framerate"`
	ShutterUs  int     `mapstructure:"shutter_us"`
	Gain       float64 `mapstructure:"gain"`
	EV         float64 `mapstructure:"ev"`
	Brightness float64 `mapstructure:"brightness"`
	Contrast   float64 `mapstructure:"contrast"`
	Saturation float64 `mapstructure:"saturation"`
	Sharpness  float64 `mapstructure:"sharpness"`
	Denoise    string  `mapstructure:"denoise"`

	// シミュレーションカメラのフレーム間隔
	FrameInterval time.Duration `mapstructure:"frame_interval"`
}

// PreviewConfig はプレビューの設定
type PreviewConfig struct {
	Kind        string `mapstructure:"kind"` // none, mjpeg
	MaxWidth    int    `mapstructure:"max_width"`
	MaxHeight   int    `mapstructure:"max_height"`
	JPEGQuality int    `mapstructure:"jpeg_quality"`
}

// EncoderConfig はエンコーダの設定
type EncoderConfig struct {
	Kind       string `mapstructure:"kind"` // none, ffmpeg
	Path       string `mapstructure:"path"` // ffmpegの実行ファイル
	Output     string `mapstructure:"output"`
	Codec      string `mapstructure:"codec"`
	Bitrate    string `mapstructure:"bitrate"`
	QueueDepth int    `mapstructure:"queue_depth"`
}

// MQTTConfig はフレーム情報の配信設定
type MQTTConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Broker       string `mapstructure:"broker"`
	ClientID     string `mapstructure:"client_id"`
	Topic        string `mapstructure:"topic"`
	QoS          int    `mapstructure:"qos"`
	IncludeImage bool   `mapstructure:"include_image"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"` // リッスンするホスト
	Port    int    `mapstructure:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `mapstructure:"write_timeout"` // 書き込みタイムアウト
}

// LoggingConfig はログの設定
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Backend:       "sim",
			Mode:          "viewfinder",
			Contrast:      1.0,
			Saturation:    1.0,
			Sharpness:     1.0,
			Denoise:       "auto",
			FrameInterval: 33 * time.Millisecond,
		},
		Preview: PreviewConfig{
			Kind:        "mjpeg",
			JPEGQuality: 75,
		},
		Encoder: EncoderConfig{
			Kind:       "none",
			Path:       "ffmpeg",
			Output:     "video.mp4",
			Codec:      "libx264",
			Bitrate:    "4M",
			QueueDepth: 4,
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "rensha",
			Topic:    "rensha/frames",
			QoS:      0,
		},
		Server: ServerConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// SetDefaults はviperに既定値を登録する
// 環境変数による上書きはここで登録したキーにのみ効く
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("camera.backend", d.Camera.Backend)
	v.SetDefault("camera.id", d.Camera.ID)
	v.SetDefault("camera.mode", d.Camera.Mode)
	v.SetDefault("camera.width", d.Camera.Width)
	v.SetDefault("camera.height", d.Camera.Height)
	v.SetDefault("camera.viewfinder_width", d.Camera.ViewfinderWidth)
	v.SetDefault("camera.viewfinder_height", d.Camera.ViewfinderHeight)
	v.SetDefault("camera.lores_width", d.Camera.LoresWidth)
	v.SetDefault("camera.lores_height", d.Camera.LoresHeight)
	v.SetDefault("camera.raw", d.Camera.Raw)
	v.SetDefault("camera.buffer_count", d.Camera.BufferCount)
	v.SetDefault("camera.transform", d.Camera.Transform)
	v.SetDefault("camera.framerate", d.Camera.Framerate)
	v.SetDefault("camera.shutter_us", d.Camera.ShutterUs)
	v.SetDefault("camera.gain", d.Camera.Gain)
	v.SetDefault("camera.ev", d.Camera.EV)
	v.SetDefault("camera.brightness", d.Camera.Brightness)
	v.SetDefault("camera.contrast", d.Camera.Contrast)
	v.SetDefault("camera.saturation", d.Camera.Saturation)
	v.SetDefault("camera.sharpness", d.Camera.Sharpness)
	v.SetDefault("camera.denoise", d.Camera.Denoise)
	v.SetDefault("camera.frame_interval", d.Camera.FrameInterval)

	v.SetDefault("preview.kind", d.Preview.Kind)
	v.SetDefault("preview.max_width", d.Preview.MaxWidth)
	v.SetDefault("preview.max_height", d.Preview.MaxHeight)
	v.SetDefault("preview.jpeg_quality", d.Preview.JPEGQuality)

	v.SetDefault("encoder.kind", d.Encoder.Kind)
	v.SetDefault("encoder.path", d.Encoder.Path)
	v.SetDefault("encoder.output", d.Encoder.Output)
	v.SetDefault("encoder.codec", d.Encoder.Codec)
	v.SetDefault("encoder.bitrate", d.Encoder.Bitrate)
	v.SetDefault("encoder.queue_depth", d.Encoder.QueueDepth)

	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.topic", d.MQTT.Topic)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)
	v.SetDefault("mqtt.include_image", d.MQTT.IncludeImage)

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("timeout", d.Timeout)
}

// New は設定ファイルと環境変数を読み込むviperを作成する
// path が空ならカレントディレクトリの rensha.yaml を探し、無ければ既定値のみを使う
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("rensha")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}
	return v, nil
}

// Load はviperの内容を設定に展開して検証する
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗: %w", err)
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return &cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	switch c.Camera.Backend {
	case "sim":
	default:
		errs = append(errs, fmt.Errorf("未対応のカメラです: %q", c.Camera.Backend))
	}
	switch c.Camera.Mode {
	case "viewfinder", "still", "video":
	default:
		errs = append(errs, fmt.Errorf("無効なモード: %q", c.Camera.Mode))
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		errs = append(errs, fmt.Errorf("無効な画像サイズ: %dx%d", c.Camera.Width, c.Camera.Height))
	}
	if c.Camera.BufferCount < 0 {
		errs = append(errs, fmt.Errorf("無効なバッファ数: %d", c.Camera.BufferCount))
	}
	if c.Camera.Framerate < 0 {
		errs = append(errs, fmt.Errorf("無効なフレームレート: %v", c.Camera.Framerate))
	}
	if c.Camera.Transform < 0 || c.Camera.Transform > 3 {
		errs = append(errs, fmt.Errorf("無効な回転・反転: %d", c.Camera.Transform))
	}

	switch c.Preview.Kind {
	case "none", "mjpeg":
	default:
		errs = append(errs, fmt.Errorf("無効なプレビュー: %q", c.Preview.Kind))
	}
	if c.Preview.JPEGQuality < 1 || c.Preview.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("無効なJPEG品質: %d", c.Preview.JPEGQuality))
	}

	switch c.Encoder.Kind {
	case "none":
	case "ffmpeg":
		if c.Encoder.Output == "" {
			errs = append(errs, errors.New("エンコーダの出力先が設定されていません"))
		}
	default:
		errs = append(errs, fmt.Errorf("無効なエンコーダ: %q", c.Encoder.Kind))
	}
	if c.Encoder.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("無効なエンコーダのキュー長: %d", c.Encoder.QueueDepth))
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" || c.MQTT.Topic == "" {
			errs = append(errs, errors.New("MQTTのブローカーとトピックが必要です"))
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("無効なQoS: %d", c.MQTT.QoS))
		}
	}

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("無効なログ形式: %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CameraOptions はカメラの設定に変換する
func (c *Config) CameraOptions() camera.Options {
	return camera.Options{
		Width:            c.Camera.Width,
		Height:           c.Camera.Height,
		ViewfinderWidth:  c.Camera.ViewfinderWidth,
		ViewfinderHeight: c.Camera.ViewfinderHeight,
		LoresWidth:       c.Camera.LoresWidth,
		LoresHeight:      c.Camera.LoresHeight,
		BufferCount:      c.Camera.BufferCount,
		Transform:        c.Camera.Transform,
		Framerate:        c.Camera.Framerate,
		Shutter:          time.Duration(c.Camera.ShutterUs) * time.Microsecond,
		Gain:             c.Camera.Gain,
		EV:               c.Camera.EV,
		Brightness:       c.Camera.Brightness,
		Contrast:         c.Camera.Contrast,
		Saturation:       c.Camera.Saturation,
		Sharpness:        c.Camera.Sharpness,
		Denoise:          c.Camera.Denoise,
	}
}

// Controls は動作中に変更できる値をコントロールにする
func (c CameraConfig) Controls() device.ControlList {
	controls := device.ControlList{
		device.ExposureValue: c.EV,
		device.Brightness:    c.Brightness,
		device.Contrast:      c.Contrast,
		device.Saturation:    c.Saturation,
		device.Sharpness:     c.Sharpness,
	}
	if c.ShutterUs > 0 {
		controls.Set(device.ExposureTime, int64(c.ShutterUs))
	}
	if c.Gain > 0 {
		controls.Set(device.AnalogueGain, c.Gain)
	}
	return controls
}

// Watch は設定ファイルの変更を監視し、検証済みの設定を fn に渡す
// 検証に失敗した変更は無視する
func Watch(v *viper.Viper, logger *zap.Logger, fn func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Load(v)
		if err != nil {
			logger.Warn("変更された設定を適用できません", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("設定を再読み込みしました", zap.String("file", e.Name))
		fn(cfg)
	})
	v.WatchConfig()
}
