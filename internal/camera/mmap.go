package camera

import (
	"errors"
	"fmt"
	"sync"

	"rensha/internal/device"

	"golang.org/x/sys/unix"
)

// Mapper はFDをプロセスのメモリにマップする
type Mapper interface {
	Map(fd int, length int) ([]byte, error)
	Unmap(span []byte) error
}

// unixMapper はmmap(2)による実装
type unixMapper struct{}

func (unixMapper) Map(fd int, length int) ([]byte, error) {
	return unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (unixMapper) Unmap(span []byte) error {
	return unix.Munmap(span)
}

// memoryMap はバッファ → マップ済み領域の対応表
// 設定時に一度だけ作成し、ティアダウンで解放する
type memoryMap struct {
	mapper Mapper

	mu    sync.RWMutex
	spans map[*device.FrameBuffer][][]byte
}

func newMemoryMap(mapper Mapper) *memoryMap {
	if mapper == nil {
		mapper = unixMapper{}
	}
	return &memoryMap{
		mapper: mapper,
		spans:  make(map[*device.FrameBuffer][][]byte),
	}
}

// mapBuffer はバッファの全プレーンをマップする
// 隣接するプレーンが同じFDを共有する場合は長さを合算して1回だけマップする
func (m *memoryMap) mapBuffer(buf *device.FrameBuffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.spans[buf]; exists {
		return fmt.Errorf("%w: バッファは既にマップされています", ErrMapping)
	}

	planes := buf.Planes()
	if len(planes) == 0 {
		return fmt.Errorf("%w: プレーンのないバッファです", ErrMapping)
	}

	var spans [][]byte
	var length int
	for i, plane := range planes {
		length += int(plane.Length)
		last := i == len(planes)-1
		if last || plane.FD != planes[i+1].FD {
			span, err := m.mapper.Map(plane.FD, length)
			if err != nil {
				// 途中までマップした分は戻す
				for _, s := range spans {
					_ = m.mapper.Unmap(s)
				}
				return fmt.Errorf("%w: fd=%d length=%d: %v", ErrMapping, plane.FD, length, err)
			}
			spans = append(spans, span)
			length = 0
		}
	}

	m.spans[buf] = spans
	return nil
}

// lookup はマップ済み領域を返す。未登録ならnil
func (m *memoryMap) lookup(buf *device.FrameBuffer) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spans[buf]
}

// len は登録済みバッファ数を返す
func (m *memoryMap) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.spans)
}

// unmapAll は全ての領域を解放して表を空にする
func (m *memoryMap) unmapAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, spans := range m.spans {
		for _, span := range spans {
			if err := m.mapper.Unmap(span); err != nil {
				errs = append(errs, err)
			}
		}
	}
	m.spans = make(map[*device.FrameBuffer][][]byte)
	return errors.Join(errs...)
}
