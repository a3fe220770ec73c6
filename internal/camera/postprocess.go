package camera

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Stage は後処理の1段
// Processは完了処理のゴルーチンから同期的に呼ばれる
// メタデータの書き換えは可能、trueを返すとフレームを破棄する
type Stage interface {
	Name() string
	Process(cr *CompletedRequest) (drop bool)
}

// postProcessor は登録されたステージを順に適用し、結果をコールバックへ渡す
type postProcessor struct {
	stages   []Stage
	callback func(*CompletedRequestRef)
	logger   *zap.Logger
}

// process は参照の所有権を受け取る
func (p *postProcessor) process(ref *CompletedRequestRef) {
	cr := ref.Request()
	if cr == nil {
		return
	}
	for _, stage := range p.stages {
		if stage.Process(cr) {
			p.logger.Debug("後処理でフレームを破棄しました",
				zap.String("stage", stage.Name()),
				zap.Uint64("sequence", cr.Sequence))
			ref.Release()
			return
		}
	}
	if p.callback == nil {
		ref.Release()
		return
	}
	p.callback(ref)
}

// DecimateStage はN枚に1枚だけを通す
type DecimateStage struct {
	Every int

	count atomic.Uint64
}

// Name はステージ名を返す
func (s *DecimateStage) Name() string {
	return "decimate"
}

// Process はEvery枚に1枚以外を破棄する
func (s *DecimateStage) Process(_ *CompletedRequest) bool {
	if s.Every <= 1 {
		return false
	}
	n := s.count.Add(1) - 1
	return n%uint64(s.Every) != 0
}
