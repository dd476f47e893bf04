// Package expert 通过大模型生成投资建议，作为规则引擎的建议源。
package expert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"autotrader/internal/config"
	"autotrader/internal/domain"
)

// Client 封装 OpenAI 调用逻辑。
type Client struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建专家客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(sdkConfig),
	}, nil
}

// Request 汇集生成一条建议需要的市场与持仓事实。
type Request struct {
	ExpertID     string
	UseCase      string
	Symbol       string
	CurrentPrice float64
	Closes       []float64
	// Position 是该专家在该标的上的活跃持仓，没有则为 nil。
	Position *domain.Transaction
}

// Generate 调用大模型生成一条建议并校验。
func (c *Client) Generate(ctx context.Context, req Request) (domain.Recommendation, error) {
	if c.cfg.Model == "" {
		return domain.Recommendation{}, errors.New("openai model 不能为空")
	}
	if req.CurrentPrice <= 0 {
		return domain.Recommendation{}, fmt.Errorf("生成建议需要有效的 %s 市场价", req.Symbol)
	}

	prompt, err := BuildPrompt(req)
	if err != nil {
		return domain.Recommendation{}, err
	}

	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		c.logger.Error("调用OpenAI失败", zap.Error(err))
		return domain.Recommendation{}, fmt.Errorf("调用OpenAI失败: %w", err)
	}
	if len(response.Choices) == 0 {
		return domain.Recommendation{}, errors.New("OpenAI 返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return domain.Recommendation{}, errors.New("OpenAI 返回内容为空")
	}

	payload, err := parsePayload(rawContent)
	if err != nil {
		c.logger.Error("解析专家建议失败",
			zap.Error(err),
			zap.String("raw_content", rawContent),
		)
		return domain.Recommendation{}, err
	}

	rec := domain.Recommendation{
		ID:                    uuid.NewString(),
		ExpertID:              req.ExpertID,
		UseCase:               req.UseCase,
		Symbol:                req.Symbol,
		Action:                domain.RecommendedAction(strings.ToUpper(payload.RecommendedAction)),
		Confidence:            payload.Confidence,
		ExpectedProfitPercent: payload.ExpectedProfitPercent,
		RiskLevel:             domain.RiskLevel(strings.ToUpper(payload.RiskLevel)),
		TimeHorizon:           domain.TimeHorizon(strings.ToUpper(payload.TimeHorizon)),
		PriceAtDate:           req.CurrentPrice,
		CreatedAt:             time.Now().UTC(),
	}
	if err := rec.Validate(); err != nil {
		return domain.Recommendation{}, fmt.Errorf("专家建议校验失败: %w", err)
	}

	c.logger.Info("专家建议生成成功",
		zap.String("expert_id", req.ExpertID),
		zap.String("symbol", req.Symbol),
		zap.String("action", string(rec.Action)),
		zap.Float64("confidence", rec.Confidence),
		zap.Float64("expected_profit_percent", rec.ExpectedProfitPercent),
	)
	return rec, nil
}

// payload 是模型输出的原始结构。
type payload struct {
	RecommendedAction     string  `json:"recommended_action"`
	Confidence            float64 `json:"confidence"`
	ExpectedProfitPercent float64 `json:"expected_profit_percent"`
	RiskLevel             string  `json:"risk_level"`
	TimeHorizon           string  `json:"time_horizon"`
	Reasoning             string  `json:"reasoning"`
}

func parsePayload(content string) (payload, error) {
	jsonPayload, err := extractJSON(content)
	if err != nil {
		return payload{}, err
	}

	var p payload
	if err = json.Unmarshal(jsonPayload, &p); err != nil {
		return payload{}, fmt.Errorf("解析建议JSON失败: %w", err)
	}
	return p, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}
	return []byte(content[start : end+1]), nil
}
