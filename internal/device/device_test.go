package device

import "testing"

func TestSizeGeometry(t *testing.T) {
	testCases := []struct {
		name string
		got  Size
		want Size
	}{
		{"偶数に切り下げ", Size{1281, 961}.AlignDownTo(2, 2), Size{1280, 960}},
		{"上限に収める", Size{1920, 1080}.BoundTo(Size{1280, 1280}), Size{1280, 1080}},
		{"横長を4:3に", Size{1920, 1080}.BoundedToAspectRatio(Size{4, 3}), Size{1440, 1080}},
		{"縦長を16:9に", Size{1280, 960}.BoundedToAspectRatio(Size{16, 9}), Size{1280, 720}},
		{"空の比率は変更なし", Size{640, 480}.BoundedToAspectRatio(Size{}), Size{640, 480}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, tc.got)
			}
		})
	}

	if !(Size{320, 240}).Fits(Size{640, 480}) {
		t.Error("Expected 320x240 to fit into 640x480")
	}
	if (Size{0, 240}).IsEmpty() == false {
		t.Error("Expected zero width size to be empty")
	}
}

func TestRequestBuffers(t *testing.T) {
	cfg := &StreamConfiguration{Role: RoleViewfinder, PixelFormat: FormatYUV420, Size: Size{640, 480}, BufferCount: 2}
	stream := NewStream(cfg)
	if cfg.Stream() != stream {
		t.Fatal("Expected configuration to be bound to stream")
	}

	buf := NewFrameBuffer([]Plane{{FD: 3, Length: 100}})
	req := NewRequest(1)

	if err := req.AddBuffer(stream, buf); err != nil {
		t.Fatalf("AddBuffer failed: %v", err)
	}
	// 同じストリームへの二重登録はエラー
	if err := req.AddBuffer(stream, buf); err == nil {
		t.Error("Expected error when binding a stream twice")
	}
	if err := req.AddBuffer(nil, buf); err == nil {
		t.Error("Expected error for nil stream")
	}

	taken := req.TakeBuffers()
	if len(taken) != 1 || taken[stream] != buf {
		t.Fatalf("Expected taken bindings to contain the buffer, got %v", taken)
	}
	if len(req.Buffers()) != 0 {
		t.Error("Expected request to be empty after TakeBuffers")
	}

	req.Complete(RequestCancelled, ControlList{SensorTimestamp: int64(5)})
	req.Reuse()
	if req.Status() != RequestPending {
		t.Errorf("Expected pending status after Reuse, got %v", req.Status())
	}
	if req.Metadata() != nil {
		t.Error("Expected metadata to be cleared after Reuse")
	}
}

func TestControlList(t *testing.T) {
	l := ControlList{}
	l.Set(ExposureTime, int64(10000))
	l.Set(AnalogueGain, 2.0)

	if v, ok := l.Int64(ExposureTime); !ok || v != 10000 {
		t.Errorf("Expected exposure 10000, got %v (%v)", v, ok)
	}
	if v, ok := l.Float64(AnalogueGain); !ok || v != 2.0 {
		t.Errorf("Expected gain 2.0, got %v (%v)", v, ok)
	}
	if _, ok := l.Float64(Brightness); ok {
		t.Error("Expected missing brightness")
	}

	// Merge は既存の値を上書きしない
	l.Merge(ControlList{AnalogueGain: 8.0, Brightness: 0.5})
	if v, _ := l.Float64(AnalogueGain); v != 2.0 {
		t.Errorf("Expected gain to stay 2.0, got %v", v)
	}
	if !l.Contains(Brightness) {
		t.Error("Expected brightness to be merged")
	}

	c := l.Clone()
	c.Set(Contrast, 1.5)
	if l.Contains(Contrast) {
		t.Error("Expected clone to be independent")
	}
}

func TestConfigurationValidate(t *testing.T) {
	empty := &Configuration{}
	if empty.Validate() != Invalid {
		t.Error("Expected empty configuration to be invalid")
	}

	cfg := &Configuration{
		Streams:   []*StreamConfiguration{{Role: RoleVideoRecording}},
		Validator: func(*Configuration) ValidationStatus { return Adjusted },
	}
	if cfg.Validate() != Adjusted {
		t.Error("Expected validator result to be returned")
	}
	if cfg.Len() != 1 || cfg.At(0).Role != RoleVideoRecording {
		t.Error("Expected single video stream")
	}
}
