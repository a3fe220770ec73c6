package publisher

import (
	"errors"
	"sync"
	"testing"
	"time"

	"rensha/internal/camera"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

// fakeToken は即座に完了するトークン
type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient は配信内容を記録するクライアント
type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	token        *fakeToken
	messages     []published
	disconnected bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	if c.token != nil {
		return c.token
	}
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected = true
}

func TestPublisher_PublishFrame(t *testing.T) {
	tests := []struct {
		name         string
		includeImage bool
		wantImage    bool
	}{
		{name: "画像なし", includeImage: false, wantImage: false},
		{name: "画像あり", includeImage: true, wantImage: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{connected: true}
			p := New(client, Options{Topic: "rensha/frames", QoS: 1, IncludeImage: tt.includeImage})

			info := camera.FrameInfo{Sequence: 42, FPS: 30, ExposureTime: 10000, AnalogueGain: 2}
			if err := p.PublishFrame("sim0", info, []byte{0xFF, 0xD8}); err != nil {
				t.Fatalf("PublishFrame failed: %v", err)
			}

			if len(client.messages) != 1 {
				t.Fatalf("Expected 1 message, got %d", len(client.messages))
			}
			m := client.messages[0]
			if m.topic != "rensha/frames" || m.qos != 1 || m.retained {
				t.Errorf("Unexpected publish parameters: %+v", m)
			}

			var got Message
			if err := msgpack.Unmarshal(m.payload, &got); err != nil {
				t.Fatalf("Failed to decode payload: %v", err)
			}
			if got.CameraID != "sim0" || got.Info != info {
				t.Errorf("Expected %+v from sim0, got %+v", info, got)
			}
			if (len(got.Image) > 0) != tt.wantImage {
				t.Errorf("Expected image included=%v, got %d bytes", tt.wantImage, len(got.Image))
			}
		})
	}
}

func TestPublisher_PublishStatusIsRetained(t *testing.T) {
	client := &fakeClient{connected: true}
	p := New(client, Options{Topic: "rensha/frames"})

	if err := p.PublishStatus("sim0", camera.StatusActive); err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}

	m := client.messages[0]
	if m.topic != "rensha/frames/status" || !m.retained {
		t.Errorf("Expected retained status topic, got %+v", m)
	}
	var got StatusMessage
	if err := msgpack.Unmarshal(m.payload, &got); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if got.Status != "active" {
		t.Errorf("Expected active, got %s", got.Status)
	}
}

func TestPublisher_Errors(t *testing.T) {
	tests := []struct {
		name      string
		client    *fakeClient
		wantErrIs error
	}{
		{
			name:      "未接続",
			client:    &fakeClient{connected: false},
			wantErrIs: ErrNotConnected,
		},
		{
			name:   "タイムアウト",
			client: &fakeClient{connected: true, token: &fakeToken{timeout: true}},
		},
		{
			name:   "配信エラー",
			client: &fakeClient{connected: true, token: &fakeToken{err: errors.New("broker error")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.client, Options{Topic: "t"})
			err := p.PublishFrame("sim0", camera.FrameInfo{}, nil)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if tt.wantErrIs != nil && !errors.Is(err, tt.wantErrIs) {
				t.Errorf("Expected %v, got %v", tt.wantErrIs, err)
			}
			if s := p.Stats(); s.Errors != 1 || s.Published != 0 {
				t.Errorf("Expected 1 error and 0 published, got %+v", s)
			}
		})
	}
}

func TestPublisher_Close(t *testing.T) {
	client := &fakeClient{connected: true}
	p := New(client, Options{Topic: "t"})
	if err := p.PublishFrame("sim0", camera.FrameInfo{}, nil); err != nil {
		t.Fatalf("PublishFrame failed: %v", err)
	}
	if s := p.Stats(); s.Published != 1 || !s.Connected {
		t.Errorf("Unexpected stats: %+v", s)
	}

	p.Close()
	if !client.disconnected {
		t.Error("Expected client to be disconnected")
	}
	// 切断後の二重Closeは何もしない
	p.Close()
}
