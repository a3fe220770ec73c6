package camera

import (
	"fmt"

	"rensha/internal/device"
)

// FrameInfo はフレームごとの撮影情報
type FrameInfo struct {
	Sequence     uint64  `msgpack:"sequence" json:"sequence"`
	FPS          float64 `msgpack:"fps" json:"fps"`
	Timestamp    int64   `msgpack:"timestamp" json:"timestamp"` // ns
	ExposureTime int64   `msgpack:"exposure_time" json:"exposure_time"`
	AnalogueGain float64 `msgpack:"analogue_gain" json:"analogue_gain"`
	DigitalGain  float64 `msgpack:"digital_gain" json:"digital_gain"`
}

// NewFrameInfo はメタデータから撮影情報を取り出す
func NewFrameInfo(cr *CompletedRequest) FrameInfo {
	info := FrameInfo{
		Sequence: cr.Sequence,
		FPS:      cr.Framerate,
	}
	if v, ok := cr.Metadata.Int64(device.SensorTimestamp); ok {
		info.Timestamp = v
	}
	if v, ok := cr.Metadata.Int64(device.ExposureTime); ok {
		info.ExposureTime = v
	}
	if v, ok := cr.Metadata.Float64(device.AnalogueGain); ok {
		info.AnalogueGain = v
	}
	if v, ok := cr.Metadata.Float64(device.DigitalGain); ok {
		info.DigitalGain = v
	}
	return info
}

func (f FrameInfo) String() string {
	return fmt.Sprintf("#%d (%.2f fps) exp %d ag %.2f dg %.2f",
		f.Sequence, f.FPS, f.ExposureTime, f.AnalogueGain, f.DigitalGain)
}
