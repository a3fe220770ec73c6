package encoder

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"rensha/internal/camera"
)

var (
	_ camera.Encoder = (*FFmpeg)(nil)
	_ camera.Encoder = (*Null)(nil)
)

// makeFrame はストライド付きYUV420の領域を作る
// 有効な画素は値1、ストライドの余白は0xEE
func makeFrame(width, height, stride int) []byte {
	span := bytes.Repeat([]byte{0xEE}, yuv420Size(stride, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			span[y*stride+x] = 1
		}
	}
	base := stride * height
	for plane := 0; plane < 2; plane++ {
		for y := 0; y < height/2; y++ {
			for x := 0; x < width/2; x++ {
				span[base+y*(stride/2)+x] = byte(2 + plane)
			}
		}
		base += (stride / 2) * (height / 2)
	}
	return span
}

func TestPackYUV420(t *testing.T) {
	tests := []struct {
		name   string
		width  int
		height int
		stride int
	}{
		{name: "余白なし", width: 8, height: 4, stride: 8},
		{name: "ストライドに余白あり", width: 6, height: 4, stride: 16},
		{name: "64バイト境界", width: 40, height: 6, stride: 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed := packYUV420(nil, makeFrame(tt.width, tt.height, tt.stride), tt.width, tt.height, tt.stride)

			ySize := tt.width * tt.height
			cSize := (tt.width / 2) * (tt.height / 2)
			if len(packed) != ySize+2*cSize {
				t.Fatalf("Expected %d bytes, got %d", ySize+2*cSize, len(packed))
			}
			if bytes.IndexByte(packed, 0xEE) != -1 {
				t.Error("Expected stride padding to be removed")
			}
			if packed[0] != 1 || packed[ySize] != 2 || packed[ySize+cSize] != 3 {
				t.Errorf("Expected planes in Y, U, V order, got %d %d %d",
					packed[0], packed[ySize], packed[ySize+cSize])
			}
		})
	}
}

func TestJPEGSplitter(t *testing.T) {
	frame := func(body ...byte) []byte {
		return append(append([]byte{0xFF, 0xD8}, body...), 0xFF, 0xD9)
	}
	a, b := frame(1, 2, 3), frame(4, 5)

	tests := []struct {
		name   string
		chunks [][]byte
		want   [][]byte
	}{
		{
			name:   "1回で1枚",
			chunks: [][]byte{a},
			want:   [][]byte{a},
		},
		{
			name:   "1回で2枚",
			chunks: [][]byte{append(slices.Clone(a), b...)},
			want:   [][]byte{a, b},
		},
		{
			name:   "途中で分かれる",
			chunks: [][]byte{a[:3], a[3:]},
			want:   [][]byte{a},
		},
		{
			name:   "開始マーカーの途中で分かれる",
			chunks: [][]byte{{0x00, 0xFF}, a[1:]},
			want:   [][]byte{a},
		},
		{
			name:   "前のゴミは捨てる",
			chunks: [][]byte{append([]byte{9, 9, 9}, a...)},
			want:   [][]byte{a},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sp jpegSplitter
			var got [][]byte
			for _, c := range tt.chunks {
				got = append(got, sp.write(c)...)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d frames, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if !bytes.Equal(got[i], tt.want[i]) {
					t.Errorf("frame %d: expected %v, got %v", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestBuildArgs(t *testing.T) {
	args := buildArgs(FFmpegOptions{
		Width: 640, Height: 480, Framerate: 30, Codec: "libx264", Bitrate: "2M", Output: "out.mp4",
	})
	for _, want := range [][]string{
		{"-f", "rawvideo"},
		{"-pix_fmt", "yuv420p"},
		{"-s", "640x480"},
		{"-r", "30"},
		{"-c:v", "libx264"},
		{"-b:v", "2M"},
		{"-y", "out.mp4"},
	} {
		i := slices.Index(args, want[0])
		if i == -1 || i+1 >= len(args) || args[i+1] != want[1] {
			t.Errorf("Expected %s %s in %v", want[0], want[1], args)
		}
	}

	args = buildArgs(FFmpegOptions{Width: 64, Height: 48, Codec: "mjpeg", Output: "-"})
	if args[len(args)-1] != "-" || !slices.Contains(args, "image2pipe") {
		t.Errorf("Expected image2pipe to stdout, got %v", args)
	}
	if slices.Contains(args, "-r") {
		t.Errorf("Expected no framerate, got %v", args)
	}
}

func TestNewFFmpeg_InvalidOptions(t *testing.T) {
	if _, err := NewFFmpeg(FFmpegOptions{Width: 0, Height: 48, Output: "x"}); err == nil {
		t.Error("Expected error for zero width")
	}
	if _, err := NewFFmpeg(FFmpegOptions{Width: 64, Height: 48}); err == nil {
		t.Error("Expected error for empty output")
	}
	if _, err := NewFFmpeg(FFmpegOptions{
		Path: filepath.Join(t.TempDir(), "missing"), Width: 64, Height: 48, Output: "x",
	}); err == nil {
		t.Error("Expected error for missing binary")
	}
}

// fakeFFmpeg は標準入力を捨てるだけのスクリプトを作る
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh is not available")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec cat > /dev/null\n"), 0o755); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}
	return path
}

func TestFFmpeg_InputDoneInOrder(t *testing.T) {
	const width, height, stride = 16, 8, 64
	enc, err := NewFFmpeg(FFmpegOptions{
		Path: fakeFFmpeg(t), Width: width, Height: height, Output: "out.mp4", QueueDepth: 2,
	})
	if err != nil {
		t.Fatalf("NewFFmpeg failed: %v", err)
	}

	var mu sync.Mutex
	var done []int
	enc.SetInputDoneCallback(func(fd int) {
		mu.Lock()
		done = append(done, fd)
		mu.Unlock()
	})

	span := makeFrame(width, height, stride)
	for fd := 10; fd < 20; fd++ {
		if err := enc.EncodeBuffer(fd, span, width, height, stride, int64(fd)*1000); err != nil {
			t.Fatalf("EncodeBuffer failed: %v", err)
		}
	}

	if err := enc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}
	if !slices.Equal(done, want) {
		t.Errorf("Expected input done %v, got %v", want, done)
	}
	if enc.Frames() != 10 {
		t.Errorf("Expected 10 frames, got %d", enc.Frames())
	}

	if err := enc.EncodeBuffer(1, span, width, height, stride, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}

func TestFFmpeg_RejectsWrongSize(t *testing.T) {
	enc, err := NewFFmpeg(FFmpegOptions{Path: fakeFFmpeg(t), Width: 16, Height: 8, Output: "out.mp4"})
	if err != nil {
		t.Fatalf("NewFFmpeg failed: %v", err)
	}
	defer enc.Close()

	if err := enc.EncodeBuffer(1, makeFrame(32, 8, 64), 32, 8, 64, 0); err == nil {
		t.Error("Expected error for different size")
	}
	if err := enc.EncodeBuffer(1, make([]byte, 10), 16, 8, 64, 0); err == nil {
		t.Error("Expected error for short span")
	}
}

func TestNull(t *testing.T) {
	n := NewNull()
	var done []int
	n.SetInputDoneCallback(func(fd int) { done = append(done, fd) })

	for fd := 1; fd <= 3; fd++ {
		if err := n.EncodeBuffer(fd, nil, 0, 0, 0, 0); err != nil {
			t.Fatalf("EncodeBuffer failed: %v", err)
		}
	}
	if !slices.Equal(done, []int{1, 2, 3}) {
		t.Errorf("Expected synchronous input done, got %v", done)
	}

	n.Close()
	if err := n.EncodeBuffer(4, nil, 0, 0, 0, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
