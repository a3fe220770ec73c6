package camera

import (
	"errors"
	"testing"
	"time"
)

func TestPreviewSlot(t *testing.T) {
	s := newPreviewSlot()
	s.restart()

	// K件中1件だけが格納される
	const k = 5
	accepted := 0
	for i := 0; i < k; i++ {
		if s.offer(&previewItem{}) {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("Expected 1 accepted item, got %d", accepted)
	}
	if s.droppedFrames() != k-1 {
		t.Errorf("Expected %d dropped, got %d", k-1, s.droppedFrames())
	}

	if _, ok := s.take(); !ok {
		t.Fatal("Expected to take the stored item")
	}

	// 中断は格納済みの項目より優先される
	s.offer(&previewItem{})
	s.abort()
	if _, ok := s.take(); ok {
		t.Error("Expected abort to win over a pending item")
	}
	if s.reset() == nil {
		t.Error("Expected reset to return the pending item")
	}
}

func TestPreviewSlot_RejectsWhileAborted(t *testing.T) {
	s := newPreviewSlot()

	// 開始前は中断状態
	if s.offer(&previewItem{}) {
		t.Error("Expected offer to be rejected before restart")
	}
	if s.droppedFrames() != 0 {
		t.Errorf("Expected rejected offer not to count as dropped, got %d", s.droppedFrames())
	}

	s.restart()
	stored := &previewItem{}
	if !s.offer(stored) {
		t.Fatal("Expected offer to be accepted after restart")
	}
	s.abort()
	if s.offer(&previewItem{}) {
		t.Error("Expected offer to be rejected after abort")
	}

	// 再開時に残っていた項目は返される
	if got := s.restart(); got != stored {
		t.Errorf("Expected restart to return the stale item, got %v", got)
	}
	if s.reset() != nil {
		t.Error("Expected slot to be empty after restart")
	}
}

func TestPreviewSlot_TakeWakesOnAbort(t *testing.T) {
	s := newPreviewSlot()
	s.restart()

	done := make(chan bool)
	go func() {
		_, ok := s.take()
		done <- ok
	}()

	time.Sleep(5 * time.Millisecond)
	s.abort()

	select {
	case ok := <-done:
		if ok {
			t.Error("Expected take to report abort")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("take did not return after abort")
	}
}

func TestApp_PreviewBurst(t *testing.T) {
	r := newFakeRenderer(true)
	r.gate = make(chan struct{})
	app, cam, fatal := newTestApp(t, testOptions(), WithRenderer(r))
	startViewfinder(t, app)

	stream := app.MainStream()
	first := nextFrame(t, app, cam)
	app.ShowPreview(first, stream)
	first.Release()

	// 描画中にする
	select {
	case <-r.showCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected first frame to be shown")
	}

	// 描画中にK件届くと1件だけ残り、K-1件は破棄される
	const k = 6
	burst := nextFrame(t, app, cam)
	for i := 0; i < k; i++ {
		app.ShowPreview(burst, stream)
	}
	burst.Release()

	if got := app.Stats().FramesDropped; got != k-1 {
		t.Errorf("Expected %d dropped frames, got %d", k-1, got)
	}

	close(r.gate)
	eventually(t, func() bool { return r.shownCount() == 2 }, "Expected 2 frames rendered, got %d", r.shownCount())
	eventually(t, func() bool { return cam.Queued() == 4 }, "Expected preview frames to be recycled, queued=%d", cam.Queued())

	if got := app.Stats().FramesDisplayed; got != 2 {
		t.Errorf("Expected 2 displayed frames, got %d", got)
	}
	if errs := fatal.errors(); len(errs) != 0 {
		t.Errorf("Unexpected fatal errors: %v", errs)
	}
}

func TestApp_PreviewHeldUntilDone(t *testing.T) {
	r := newFakeRenderer(false)
	app, cam, _ := newTestApp(t, testOptions(), WithRenderer(r))
	startViewfinder(t, app)

	ref := nextFrame(t, app, cam)
	app.ShowPreview(ref, app.MainStream())
	ref.Release()

	var fd int
	select {
	case fd = <-r.showCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected frame to be shown")
	}

	// 描画先が使い終わるまでは戻らない
	if cam.Queued() != 3 {
		t.Errorf("Expected 3 queued requests while preview holds a frame, got %d", cam.Queued())
	}

	app.previewDone(fd)
	if cam.Queued() != 4 {
		t.Errorf("Expected frame to be recycled after done, queued=%d", cam.Queued())
	}
}

func TestApp_PreviewStopReleasesPending(t *testing.T) {
	r := newFakeRenderer(false)
	app, cam, fatal := newTestApp(t, testOptions(), WithRenderer(r))
	startViewfinder(t, app)

	ref := nextFrame(t, app, cam)
	app.ShowPreview(ref, app.MainStream())
	ref.Release()
	<-r.showCh

	if err := app.StopCamera(); err != nil {
		t.Fatalf("StopCamera failed: %v", err)
	}
	if r.resets != 1 {
		t.Errorf("Expected renderer reset on stop, got %d", r.resets)
	}
	app.pendingMu.Lock()
	pending := len(app.pendingPreview)
	app.pendingMu.Unlock()
	if pending != 0 {
		t.Errorf("Expected pending previews to be released, got %d", pending)
	}
	if errs := fatal.errors(); len(errs) != 0 {
		t.Errorf("Unexpected fatal errors: %v", errs)
	}
}

func TestApp_PreviewUnknownFDIsProtocolError(t *testing.T) {
	r := newFakeRenderer(false)
	app, _, fatal := newTestApp(t, testOptions(), WithRenderer(r))
	startViewfinder(t, app)

	app.previewDone(12345)

	errs := fatal.errors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrProtocol) {
		t.Errorf("Expected ErrProtocol, got %v", errs)
	}
}

func TestApp_PreviewRejectsNonYUV(t *testing.T) {
	r := newFakeRenderer(true)
	opts := testOptions()
	opts.Width = 64
	opts.Height = 48
	app, cam, fatal := newTestApp(t, opts, WithRenderer(r))
	if err := app.ConfigureStill(StillRGB | StillDoubleBuffer); err != nil {
		t.Fatalf("ConfigureStill failed: %v", err)
	}
	if err := app.StartCamera(); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}

	stream, _ := app.GetStream(StreamStill)
	ref := nextFrame(t, app, cam)
	app.ShowPreview(ref, stream)
	ref.Release()

	eventually(t, func() bool { return len(fatal.errors()) == 1 }, "Expected a fatal error for non-YUV preview")
	if !errors.Is(fatal.errors()[0], ErrProtocol) {
		t.Errorf("Expected ErrProtocol, got %v", fatal.errors()[0])
	}
	// 参照は戻される
	eventually(t, func() bool { return cam.Queued() == 2 }, "Expected frame to be recycled, queued=%d", cam.Queued())
}

func TestApp_PreviewQuit(t *testing.T) {
	r := newFakeRenderer(true)
	r.quit = true
	app, cam, _ := newTestApp(t, testOptions(), WithRenderer(r))
	startViewfinder(t, app)

	ref := nextFrame(t, app, cam)
	app.ShowPreview(ref, app.MainStream())
	ref.Release()

	if msg := waitMsg(t, app); msg.Type != MsgQuit {
		t.Errorf("Expected quit message, got %s", msg.Type)
	}
}

func TestApp_PreviewAfterStopIsNotRendered(t *testing.T) {
	r := newFakeRenderer(true)
	app, cam, fatal := newTestApp(t, testOptions(), WithRenderer(r))
	startViewfinder(t, app)

	// 停止前に受け取ったフレームを停止後にプレビューへ渡す
	old := nextFrame(t, app, cam)
	if err := app.StopCamera(); err != nil {
		t.Fatalf("StopCamera failed: %v", err)
	}
	app.ShowPreview(old, app.MainStream())
	if got := old.refCount(); got != 1 {
		t.Errorf("Expected preview not to keep a reference after stop, refcount=%d", got)
	}
	old.Release()

	if err := app.StartCamera(); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := r.shownCount(); n != 0 {
		t.Fatalf("Expected no frame from before stop to be rendered, got %d", n)
	}

	fresh := nextFrame(t, app, cam)
	app.ShowPreview(fresh, app.MainStream())
	fresh.Release()
	eventually(t, func() bool { return r.shownCount() == 1 }, "Expected the new frame to be rendered, got %d", r.shownCount())

	if errs := fatal.errors(); len(errs) != 0 {
		t.Errorf("Unexpected fatal errors: %v", errs)
	}
}
