package camera

import (
	"fmt"

	"rensha/internal/device"
)

// makeRequests は確保済みバッファをストリーム順に割り振ってリクエストを作成する
// 先頭ストリームのバッファが尽きた時点で終了し、他のストリームに余りや不足があればエラー
// stopMu を保持して呼ぶこと
func (a *App) makeRequests() ([]*device.Request, error) {
	if len(a.streamOrder) == 0 {
		return nil, ErrNotConfigured
	}

	free := make(map[*device.Stream][]*device.FrameBuffer, len(a.frameBuffers))
	for stream, bufs := range a.frameBuffers {
		free[stream] = append([]*device.FrameBuffer(nil), bufs...)
	}

	primary := a.streamOrder[0]
	var requests []*device.Request
	for len(free[primary]) > 0 {
		req, err := a.cam.CreateRequest()
		if err != nil {
			return nil, fmt.Errorf("%w: リクエストの作成に失敗: %v", ErrAllocation, err)
		}
		for _, stream := range a.streamOrder {
			if len(free[stream]) == 0 {
				return nil, fmt.Errorf("%w: ストリーム間でバッファ数が一致しません", ErrConfiguration)
			}
			buf := free[stream][0]
			free[stream] = free[stream][1:]
			if err := req.AddBuffer(stream, buf); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
			}
		}
		requests = append(requests, req)
	}

	for _, stream := range a.streamOrder {
		if len(free[stream]) > 0 {
			return nil, fmt.Errorf("%w: ストリーム間でバッファ数が一致しません", ErrConfiguration)
		}
	}
	return requests, nil
}

// pushFreeRequest は再利用可能なリクエストを空きリストの末尾に加える
func (a *App) pushFreeRequest(req *device.Request) {
	a.freeMu.Lock()
	defer a.freeMu.Unlock()
	a.freeRequests = append(a.freeRequests, req)
}

// popFreeRequest は空きリストの先頭を取り出す。空ならnil
func (a *App) popFreeRequest() *device.Request {
	a.freeMu.Lock()
	defer a.freeMu.Unlock()
	if len(a.freeRequests) == 0 {
		return nil
	}
	req := a.freeRequests[0]
	a.freeRequests[0] = nil
	a.freeRequests = a.freeRequests[1:]
	return req
}

func (a *App) drainFreeRequests() {
	a.freeMu.Lock()
	defer a.freeMu.Unlock()
	a.freeRequests = nil
}
