package models

import "encoding/json"

// 入站消息类型（主题最后一段）
const (
	KindSensor        = "sensor"
	KindHeightDone    = "height_done"
	KindInstall       = "install"
	KindFrameResponse = "frame_response"
	KindDeleteDone    = "delete_done"
	KindActive        = "active"
	KindError         = "error"
)

// SensorEvent 接近传感器事件
type SensorEvent struct {
	Status string `json:"status"` // "entered" | "left"
}

const (
	SensorEntered = "entered"
	SensorLeft    = "left"
)

// HeightDonePayload 执行器完成确认
type HeightDonePayload struct {
	Status bool `json:"status"`
}

// InstallAck 安装握手应答
// Success 为 nil 表示非确定性应答（例如设备上线通知）
type InstallAck struct {
	Success *bool  `json:"success,omitempty"`
	Device  string `json:"device,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ActivePayload 远程启用/停用
type ActivePayload struct {
	Status bool `json:"status"`
}

// FramePayload 取帧应答
type FramePayload struct {
	Status string `json:"status"` // "ok" 或错误描述
	Image  string `json:"image"`  // base64
	Error  string `json:"error,omitempty"`
}

// DeleteAck 删除确认
type DeleteAck struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Succeeded 未携带 success 字段时视为成功
func (d DeleteAck) Succeeded() bool {
	return d.Success == nil || *d.Success
}

// HeightCommand 下发给执行器的高度指令
type HeightCommand struct {
	Delta int64 `json:"delta"` // cm
}

// InstallCommand 安装指令载荷
type InstallCommand struct {
	Name        string  `json:"name"`
	PainterName string  `json:"painter_name,omitempty"`
	BaseHeight  float64 `json:"base_height"`
	Height      float64 `json:"height"`
	Width       float64 `json:"width"`
	Weight      float64 `json:"weight"`
}

// DecodeInstallAck 解析安装应答
func DecodeInstallAck(payload []byte) (InstallAck, error) {
	var ack InstallAck
	err := json.Unmarshal(payload, &ack)
	return ack, err
}
