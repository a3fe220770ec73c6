package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// ErrClosed は閉じたエンコーダへの投入
var ErrClosed = errors.New("エンコーダは閉じられています")

// FFmpegOptions はffmpegエンコーダの設定
type FFmpegOptions struct {
	Path       string // ffmpegの実行ファイル。空なら"ffmpeg"
	Width      int
	Height     int
	Framerate  float64
	Codec      string // libx264, mjpeg など
	Bitrate    string // 4M など。空ならffmpegの既定値
	Output     string // 出力ファイル。"-"なら標準出力を出力コールバックへ渡す
	QueueDepth int    // 書き込み待ちの上限
	Logger     *zap.Logger
}

type encodeJob struct {
	fd          int
	span        []byte
	width       int
	height      int
	stride      int
	timestampUs int64
}

// FFmpeg はYUV420のフレームをffmpegの標準入力へ流し込むエンコーダ
//
// 入力完了はフレームをパイプへ書き終えた時点で、投入順に通知する。
type FFmpeg struct {
	opts   FFmpegOptions
	logger *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer

	jobs   chan encodeJob
	writer *conc.WaitGroup
	reader *conc.WaitGroup

	// sendMu は投入とjobsのクローズを排他する
	sendMu sync.RWMutex
	closed bool

	mu          sync.Mutex
	inputDone   func(fd int)
	outputReady func(data []byte, timestampUs int64, keyframe bool)
	lastTs      int64
	writeErr    error
	frames      uint64

	closeOnce sync.Once
	closeErr  error
}

// buildArgs はffmpegの引数を組み立てる
func buildArgs(opts FFmpegOptions) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
	}
	if opts.Framerate > 0 {
		args = append(args, "-r", strconv.FormatFloat(opts.Framerate, 'f', -1, 64))
	}
	args = append(args, "-i", "-", "-c:v", opts.Codec)
	if opts.Bitrate != "" {
		args = append(args, "-b:v", opts.Bitrate)
	}
	if opts.Output == "-" {
		if opts.Codec == "mjpeg" {
			args = append(args, "-f", "image2pipe")
		} else {
			args = append(args, "-f", "h264")
		}
		args = append(args, "-")
	} else {
		args = append(args, "-y", opts.Output)
	}
	return args
}

// NewFFmpeg はffmpegを起動する
func NewFFmpeg(opts FFmpegOptions) (*FFmpeg, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("画像サイズが不正です: %dx%d", opts.Width, opts.Height)
	}
	if opts.Output == "" {
		return nil, errors.New("出力先が指定されていません")
	}
	if opts.Path == "" {
		opts.Path = "ffmpeg"
	}
	if opts.Codec == "" {
		opts.Codec = "libx264"
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &FFmpeg{
		opts:   opts,
		logger: logger,
		jobs:   make(chan encodeJob, opts.QueueDepth),
		writer: conc.NewWaitGroup(),
		reader: conc.NewWaitGroup(),
	}

	e.cmd = exec.Command(opts.Path, buildArgs(opts)...)
	e.cmd.Stderr = &e.stderr

	stdin, err := e.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdinパイプの作成に失敗: %w", err)
	}
	e.stdin = stdin

	var stdout io.ReadCloser
	if opts.Output == "-" {
		stdout, err = e.cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
		}
	}

	if err := e.cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}
	logger.Info("ffmpeg を起動しました",
		zap.String("path", opts.Path),
		zap.Strings("args", e.cmd.Args[1:]))

	e.writer.Go(e.writeLoop)
	if stdout != nil {
		e.reader.Go(func() { e.readLoop(stdout) })
	}
	return e, nil
}

func (e *FFmpeg) SetInputDoneCallback(fn func(fd int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputDone = fn
}

func (e *FFmpeg) SetOutputReadyCallback(fn func(data []byte, timestampUs int64, keyframe bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputReady = fn
}

// EncodeBuffer はフレームを書き込み待ちに積む
// 待ちが上限に達している間はブロックする
func (e *FFmpeg) EncodeBuffer(fd int, span []byte, width, height, stride int, timestampUs int64) error {
	if width != e.opts.Width || height != e.opts.Height {
		return fmt.Errorf("画像サイズが起動時と異なります: %dx%d", width, height)
	}
	if len(span) < yuv420Size(stride, height) {
		return fmt.Errorf("フレームの領域が不足しています: %d bytes", len(span))
	}

	e.mu.Lock()
	writeErr := e.writeErr
	e.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("ffmpegへの書き込みに失敗しています: %w", writeErr)
	}

	e.sendMu.RLock()
	defer e.sendMu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	e.jobs <- encodeJob{fd: fd, span: span, width: width, height: height, stride: stride, timestampUs: timestampUs}
	return nil
}

func (e *FFmpeg) writeLoop() {
	var packed []byte
	for job := range e.jobs {
		packed = packYUV420(packed[:0], job.span, job.width, job.height, job.stride)

		e.mu.Lock()
		failed := e.writeErr != nil
		e.mu.Unlock()

		if !failed {
			if _, err := e.stdin.Write(packed); err != nil {
				e.logger.Error("ffmpeg への書き込みに失敗", zap.Error(err))
				e.mu.Lock()
				e.writeErr = err
				e.mu.Unlock()
			}
		}

		e.mu.Lock()
		e.lastTs = job.timestampUs
		e.frames++
		done := e.inputDone
		e.mu.Unlock()

		// 書き込みに失敗してもバッファは返す
		if done != nil {
			done(job.fd)
		}
	}
}

func (e *FFmpeg) readLoop(stdout io.Reader) {
	emit := func(data []byte, keyframe bool) {
		e.mu.Lock()
		fn := e.outputReady
		ts := e.lastTs
		e.mu.Unlock()
		if fn != nil {
			fn(data, ts, keyframe)
		}
	}

	if e.opts.Codec == "mjpeg" {
		var sp jpegSplitter
		buf := make([]byte, 64*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				for _, frame := range sp.write(buf[:n]) {
					emit(frame, true)
				}
			}
			if err != nil {
				return
			}
		}
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			emit(chunk, false)
		}
		if err != nil {
			return
		}
	}
}

// Frames は書き込んだフレーム数を返す
func (e *FFmpeg) Frames() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// Close は残りのフレームを書き込んでからffmpegの終了を待つ
func (e *FFmpeg) Close() error {
	e.closeOnce.Do(func() {
		e.sendMu.Lock()
		e.closed = true
		close(e.jobs)
		e.sendMu.Unlock()

		e.writer.Wait()
		if err := e.stdin.Close(); err != nil {
			e.logger.Warn("stdinのクローズに失敗", zap.Error(err))
		}
		// 標準出力を読み切ってから Wait する
		e.reader.Wait()

		if err := e.cmd.Wait(); err != nil {
			e.closeErr = fmt.Errorf("ffmpegが異常終了しました: %w (stderr: %s)", err, e.stderr.String())
			return
		}
		e.logger.Info("ffmpeg を終了しました", zap.Uint64("frames", e.Frames()))
	})
	return e.closeErr
}
