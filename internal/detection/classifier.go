package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Prediction 分类服务返回的单个预测
type Prediction struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// PredictResponse 分类服务响应
type PredictResponse struct {
	Predictions []Prediction `json:"predictions"`
}

// HTTPClassifier 远程分类服务客户端
type HTTPClassifier struct {
	httpClient *resty.Client
	apiKey     string
	logger     *zap.Logger
}

// NewHTTPClassifier 创建分类客户端
func NewHTTPClassifier(url, apiKey string, timeout time.Duration, retryCount int, logger *zap.Logger) *HTTPClassifier {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Accept", "application/json")

	return &HTTPClassifier{
		httpClient: client,
		apiKey:     apiKey,
		logger:     logger,
	}
}

// Classify 上传 base64 图像，有预测即为阳性，置信度取最大值
func (c *HTTPClassifier) Classify(ctx context.Context, image []byte) (Classification, error) {
	req := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(base64.StdEncoding.EncodeToString(image))
	if c.apiKey != "" {
		req.SetQueryParam("api_key", c.apiKey)
	}

	var response PredictResponse
	resp, err := req.SetResult(&response).Post("")
	if err != nil {
		return Classification{}, fmt.Errorf("failed to call classifier: %w", err)
	}
	if resp.IsError() {
		return Classification{}, fmt.Errorf("classifier returned status %d", resp.StatusCode())
	}

	result := Classification{Positive: len(response.Predictions) > 0}
	for _, p := range response.Predictions {
		if p.Confidence > result.Confidence {
			result.Confidence = p.Confidence
		}
	}

	c.logger.Debug("Classifier result",
		zap.Int("prediction_count", len(response.Predictions)),
		zap.Float64("confidence", result.Confidence),
	)
	return result, nil
}
