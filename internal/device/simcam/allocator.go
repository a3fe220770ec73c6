package simcam

import (
	"errors"
	"fmt"

	"rensha/internal/device"

	"golang.org/x/sys/unix"
)

// allocator はmemfdでフレームバッファを確保する
type allocator struct {
	cam     *Camera
	buffers []*device.FrameBuffer
	fds     []int
	mems    [][]byte
}

// Allocate はストリームのBufferCount分のバッファを確保する
// YUV420は3プレーンが同じFDを共有する（シングルプレーンバッファ）
func (a *allocator) Allocate(stream *device.Stream) ([]*device.FrameBuffer, error) {
	sc := stream.Configuration()
	if sc.BufferCount < 1 {
		return nil, fmt.Errorf("バッファ数が不正です: %d", sc.BufferCount)
	}

	lengths := planeLengths(sc)
	var total uint32
	for _, l := range lengths {
		total += l
	}

	out := make([]*device.FrameBuffer, 0, sc.BufferCount)
	for i := 0; i < sc.BufferCount; i++ {
		fd, err := unix.MemfdCreate(fmt.Sprintf("rensha-%s-%d", sc.Role, i), unix.MFD_CLOEXEC)
		if err != nil {
			return nil, fmt.Errorf("memfdの作成に失敗: %w", err)
		}
		a.fds = append(a.fds, fd)

		if err := unix.Ftruncate(fd, int64(total)); err != nil {
			return nil, fmt.Errorf("memfdのサイズ設定に失敗: %w", err)
		}

		// デバイス側の書き込み用マッピング
		mem, err := unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("デバイス側のmmapに失敗: %w", err)
		}
		a.mems = append(a.mems, mem)

		planes := make([]device.Plane, 0, len(lengths))
		var offset uint32
		for _, l := range lengths {
			planes = append(planes, device.Plane{FD: fd, Offset: offset, Length: l})
			offset += l
		}

		buf := device.NewFrameBuffer(planes)
		a.cam.registerMemory(buf, mem)
		a.buffers = append(a.buffers, buf)
		out = append(out, buf)
	}

	return out, nil
}

// Free は確保した全てのバッファを解放する
func (a *allocator) Free() error {
	var errs []error
	for _, buf := range a.buffers {
		a.cam.unregisterMemory(buf)
	}
	for _, mem := range a.mems {
		if err := unix.Munmap(mem); err != nil {
			errs = append(errs, err)
		}
	}
	for _, fd := range a.fds {
		if err := unix.Close(fd); err != nil {
			errs = append(errs, err)
		}
	}
	a.buffers, a.mems, a.fds = nil, nil, nil
	return errors.Join(errs...)
}

// planeLengths はフォーマットごとのプレーン長を返す
func planeLengths(sc device.StreamConfiguration) []uint32 {
	stride := sc.Stride
	if stride == 0 {
		stride = strideFor(sc.PixelFormat, sc.Size.Width)
	}
	h := sc.Size.Height
	if sc.PixelFormat == device.FormatYUV420 {
		y := uint32(stride * h)
		uv := uint32((stride / 2) * (h / 2))
		return []uint32{y, uv, uv}
	}
	return []uint32{uint32(stride * h)}
}
