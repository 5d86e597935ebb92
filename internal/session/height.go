package session

import "math"

// DefaultHeightOffset 高度公式中的固定偏移（cm）
const DefaultHeightOffset = 122

// HeightDelta 执行器需要调整的高度：round(height/2 + baseHeight - offset)
// 结果 <= 0 表示无需调整
func HeightDelta(height, baseHeight, offset float64) int64 {
	return int64(math.Round(height/2 + baseHeight - offset))
}
