package publisher

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"rensha/internal/camera"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// ErrNotConnected はブローカーに接続していない状態での配信
var ErrNotConnected = errors.New("MQTTブローカーに接続していません")

// Client は配信に使うMQTTクライアントの機能
// mqtt.Client はこれを満たす
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Options は配信の設定
type Options struct {
	Broker       string
	ClientID     string
	Topic        string
	QoS          byte
	IncludeImage bool
	Logger       *zap.Logger
}

// Message はフレームごとに配信する内容（msgpack）
type Message struct {
	CameraID string           `msgpack:"camera_id"`
	Info     camera.FrameInfo `msgpack:"info"`
	Image    []byte           `msgpack:"image,omitempty"` // JPEG
}

// StatusMessage はカメラの状態変化を通知する内容（msgpack）
type StatusMessage struct {
	CameraID string `msgpack:"camera_id"`
	Status   string `msgpack:"status"`
	Time     int64  `msgpack:"time"` // unix ms
}

// Stats は配信の統計
type Stats struct {
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
	Connected bool   `json:"connected"`
}

// Publisher はフレーム情報をMQTTで配信する
type Publisher struct {
	client Client
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// New は接続済みのクライアントからPublisherを作成する
func New(client Client, opts Options) *Publisher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, opts: opts, logger: logger}
}

// Connect はブローカーへ接続してPublisherを作成する
// 切断されても自動で再接続する
func Connect(opts Options) (*Publisher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT ブローカーに接続しました", zap.String("broker", opts.Broker))
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT の接続が切れました。再接続します",
			zap.String("broker", opts.Broker), zap.Error(err))
	}

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("MQTTの接続がタイムアウトしました: %s", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTTの接続に失敗: %w", err)
	}

	return New(client, opts), nil
}

// PublishFrame はフレーム情報を配信する
// image は IncludeImage が有効なときだけ含める
func (p *Publisher) PublishFrame(cameraID string, info camera.FrameInfo, image []byte) error {
	msg := Message{CameraID: cameraID, Info: info}
	if p.opts.IncludeImage {
		msg.Image = image
	}
	return p.publish(p.opts.Topic, false, msg)
}

// PublishStatus はカメラの状態を保持メッセージとして配信する
func (p *Publisher) PublishStatus(cameraID string, status camera.Status) error {
	msg := StatusMessage{
		CameraID: cameraID,
		Status:   string(status),
		Time:     time.Now().UnixMilli(),
	}
	return p.publish(p.opts.Topic+"/status", true, msg)
}

func (p *Publisher) publish(topic string, retained bool, v any) error {
	if !p.client.IsConnected() {
		p.countError()
		return ErrNotConnected
	}

	payload, err := msgpack.Marshal(v)
	if err != nil {
		p.countError()
		return fmt.Errorf("メッセージのシリアライズに失敗: %w", err)
	}

	token := p.client.Publish(topic, p.opts.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.countError()
		return fmt.Errorf("配信がタイムアウトしました: %s", topic)
	}
	if err := token.Error(); err != nil {
		p.countError()
		return fmt.Errorf("配信に失敗: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()

	p.logger.Debug("配信しました", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

func (p *Publisher) countError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors++
}

// Stats は配信の統計を返す
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Published: p.published,
		Errors:    p.errors,
		Connected: p.client.IsConnected(),
	}
}

// Close はブローカーから切断する
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		p.logger.Info("MQTT ブローカーから切断しました")
	}
}
