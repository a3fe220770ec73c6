package device

import "fmt"

// Size は幅と高さ
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// IsEmpty は幅か高さが0のときtrueを返す
func (s Size) IsEmpty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// AlignDownTo は幅と高さをそれぞれの倍数に切り下げる
func (s Size) AlignDownTo(h, v int) Size {
	return Size{Width: s.Width / h * h, Height: s.Height / v * v}
}

// BoundTo は bound を超えないように縮める
func (s Size) BoundTo(bound Size) Size {
	return Size{Width: min(s.Width, bound.Width), Height: min(s.Height, bound.Height)}
}

// BoundedToAspectRatio は ratio のアスペクト比に収まるよう片方の辺を縮める
func (s Size) BoundedToAspectRatio(ratio Size) Size {
	if ratio.IsEmpty() {
		return s
	}
	r1 := s.Width * ratio.Height
	r2 := ratio.Width * s.Height
	if r1 > r2 {
		return Size{Width: r2 / ratio.Height, Height: s.Height}
	}
	return Size{Width: s.Width, Height: r1 / ratio.Width}
}

// Fits は s が bound の内側に収まるときtrueを返す
func (s Size) Fits(bound Size) bool {
	return s.Width <= bound.Width && s.Height <= bound.Height
}
