package encoder

import "bytes"

// yuv420Size はストライド付きYUV420の必要な長さを返す
func yuv420Size(stride, height int) int {
	return stride*height + 2*(stride/2)*(height/2)
}

// packYUV420 はストライドの余白を取り除いたYUV420をdstへ追記する
func packYUV420(dst, src []byte, width, height, stride int) []byte {
	// 輝度
	for y := 0; y < height; y++ {
		row := y * stride
		dst = append(dst, src[row:row+width]...)
	}

	// 色差（U, V の順）
	cw, ch, cs := width/2, height/2, stride/2
	base := stride * height
	for plane := 0; plane < 2; plane++ {
		for y := 0; y < ch; y++ {
			row := base + y*cs
			dst = append(dst, src[row:row+cw]...)
		}
		base += cs * ch
	}
	return dst
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// jpegSplitter はffmpegのimage2pipe出力をJPEG単位に切り出す
type jpegSplitter struct {
	buf bytes.Buffer
}

// write はデータを追加し、完成したJPEGを返す
func (s *jpegSplitter) write(p []byte) [][]byte {
	s.buf.Write(p)

	var frames [][]byte
	for {
		data := s.buf.Bytes()
		start := bytes.Index(data, jpegSOI)
		if start == -1 {
			// 開始マーカーの前半だけが末尾にある場合は残す
			if len(data) > 0 && data[len(data)-1] == 0xFF {
				s.buf.Next(len(data) - 1)
			} else {
				s.buf.Reset()
			}
			return frames
		}

		end := bytes.Index(data[start+2:], jpegEOI)
		if end == -1 {
			// 完全なフレームがまだない
			s.buf.Next(start)
			return frames
		}
		end += start + 2 + 2

		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		frames = append(frames, frame)
		s.buf.Next(end)
	}
}
