package camera

import (
	"context"
	"sync"
	"testing"
	"time"

	"rensha/internal/device/simcam"
)

// fakeRenderer はテスト用の描画先
type fakeRenderer struct {
	mu       sync.Mutex
	done     func(fd int)
	shown    []int
	resets   int
	quit     bool
	autoDone bool
	gate     chan struct{}
	maxW     int
	maxH     int

	showCh chan int
}

func newFakeRenderer(autoDone bool) *fakeRenderer {
	return &fakeRenderer{autoDone: autoDone, showCh: make(chan int, 64)}
}

func (r *fakeRenderer) SetDoneCallback(fn func(fd int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = fn
}

func (r *fakeRenderer) Show(fd int, span []byte, width, height, stride int) {
	r.mu.Lock()
	r.shown = append(r.shown, fd)
	gate := r.gate
	done := r.done
	auto := r.autoDone
	r.mu.Unlock()

	select {
	case r.showCh <- fd:
	default:
	}
	if gate != nil {
		<-gate
	}
	if auto && done != nil {
		done(fd)
	}
}

func (r *fakeRenderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *fakeRenderer) Quit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quit
}

func (r *fakeRenderer) MaxImageSize() (int, int) {
	return r.maxW, r.maxH
}

func (r *fakeRenderer) shownCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shown)
}

// fatalRecorder は致命的エラーを記録する
type fatalRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (f *fatalRecorder) handle(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fatalRecorder) errors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}

// testOptions は小さな画像で4バッファのビューファインダーを作る設定
func testOptions() Options {
	opts := DefaultOptions()
	opts.ViewfinderWidth = 64
	opts.ViewfinderHeight = 48
	opts.BufferCount = 4
	opts.Framerate = 30
	return opts
}

// newTestApp は手動モードのシミュレーションカメラを使うAppを作成する
func newTestApp(t *testing.T, opts Options, options ...Option) (*App, *simcam.Camera, *fatalRecorder) {
	t.Helper()

	cam := simcam.New(simcam.Options{Manual: true, FrameInterval: 10 * time.Millisecond})
	fatal := &fatalRecorder{}
	options = append([]Option{WithFatalHandler(fatal.handle)}, options...)

	app := New(cam, opts, options...)
	if err := app.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := app.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return app, cam, fatal
}

// startViewfinder はビューファインダーを設定して開始する
func startViewfinder(t *testing.T, app *App) {
	t.Helper()
	if err := app.ConfigureViewfinder(); err != nil {
		t.Fatalf("ConfigureViewfinder failed: %v", err)
	}
	if err := app.StartCamera(); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
}

// nextFrame はデバイスを1フレーム進め、対応するメッセージを受け取る
func nextFrame(t *testing.T, app *App, cam *simcam.Camera) *CompletedRequestRef {
	t.Helper()
	if !cam.CompleteNext() {
		t.Fatal("Expected a queued request to complete")
	}
	msg := waitMsg(t, app)
	if msg.Type != MsgRequestComplete {
		t.Fatalf("Expected request_complete, got %s", msg.Type)
	}
	return msg.Payload
}

func waitMsg(t *testing.T, app *App) Msg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := app.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return msg
}

// eventually は条件が満たされるまで待つ
func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf(format, args...)
}
