package detection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"artlift-orchestrator/internal/correlator"
	"artlift-orchestrator/internal/models"
)

// Sender 关联请求发送能力
type Sender interface {
	Send(ctx context.Context, req correlator.Request) (*correlator.Response, error)
}

// CorrelatedFrameSource 通过 frame 命令向设备取帧，应答在 frame_response 主题返回
type CorrelatedFrameSource struct {
	sender  Sender
	timeout time.Duration
}

// NewCorrelatedFrameSource 创建取帧源
func NewCorrelatedFrameSource(sender Sender, timeout time.Duration) *CorrelatedFrameSource {
	return &CorrelatedFrameSource{sender: sender, timeout: timeout}
}

// RequestFrame 请求一帧并解码 base64 图像
func (s *CorrelatedFrameSource) RequestFrame(ctx context.Context, installationID int64) ([]byte, error) {
	resp, err := s.sender.Send(ctx, correlator.Request{
		InstallationID: installationID,
		Kind:           correlator.KindFrame,
		Timeout:        s.timeout,
	})
	if err != nil {
		return nil, err
	}

	var frame models.FramePayload
	if err := json.Unmarshal(resp.Payload, &frame); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame response: %w", err)
	}
	if frame.Status != "ok" {
		return nil, fmt.Errorf("capture failed: status=%s error=%s", frame.Status, frame.Error)
	}

	// 兼容 data URI 前缀
	data := frame.Image
	if i := strings.Index(data, ";base64,"); i >= 0 {
		data = data[i+len(";base64,"):]
	}
	image, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame image: %w", err)
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	return image, nil
}
