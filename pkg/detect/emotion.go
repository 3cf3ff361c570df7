package detect

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kailiangenn/another-me/pkg/cascade"
	"github.com/kailiangenn/another-me/pkg/core"
	"github.com/kailiangenn/another-me/pkg/llm"
)

var positiveLexicon = []string{
	"开心", "高兴", "快乐", "兴奋", "满意", "喜欢", "期待", "棒", "太好了", "顺利",
	"happy", "great", "excellent", "love", "excited", "wonderful", "glad", "awesome",
}

var negativeLexicon = []string{
	"难过", "伤心", "生气", "愤怒", "失望", "焦虑", "烦", "糟糕", "讨厌", "累",
	"sad", "angry", "upset", "terrible", "hate", "anxious", "frustrated", "awful",
}

// EmotionDetector classifies the emotional tone of a message.
type EmotionDetector struct {
	engine *cascade.Engine
}

// NewEmotionDetector builds the cascade: lexicon rules first, then the
// model when confidence falls short. A nil client leaves the rule level
// alone.
func NewEmotionDetector(client llm.Client, logger *zap.Logger) *EmotionDetector {
	engine := cascade.New("emotion", cascade.WithLogger(logger))
	engine.AddLevel(&emotionRuleLevel{})
	if client != nil {
		engine.AddLevel(&emotionLLMLevel{client: client})
	}
	return &EmotionDetector{engine: engine}
}

// Detect returns the emotion classification; it never fails except on
// cancellation.
func (d *EmotionDetector) Detect(ctx context.Context, text string) (*EmotionResult, error) {
	result, err := d.engine.Infer(ctx, text, nil)
	if err != nil {
		return nil, err
	}
	if emotion, ok := result.Value.(*EmotionResult); ok {
		return emotion, nil
	}
	return &EmotionResult{Type: EmotionNeutral, Intensity: 0.5, Confidence: result.Confidence}, nil
}

// ------------------------------------------------------------------
// Rule level
// ------------------------------------------------------------------

type emotionRuleLevel struct{}

func (l *emotionRuleLevel) Tag() core.LevelTag { return core.LevelRule }

func (l *emotionRuleLevel) Infer(ctx context.Context, input string, evalCtx map[string]any) (*cascade.Result, error) {
	lower := strings.ToLower(input)
	positives := countMatches(lower, positiveLexicon)
	negatives := countMatches(lower, negativeLexicon)

	emotionType := EmotionNeutral
	matches := 0
	switch {
	case positives > negatives:
		emotionType = EmotionPositive
		matches = positives
	case negatives > positives:
		emotionType = EmotionNegative
		matches = negatives
	}

	length := runeLen(input)
	confidence := ruleConfidence(matches, length, emotionType)

	intensity := 0.5
	if matches > 0 {
		intensity = 0.6 + 0.1*float64(matches)
		if intensity > 0.9 {
			intensity = 0.9
		}
	}

	return &cascade.Result{
		Value: &EmotionResult{
			Type:       emotionType,
			Intensity:  intensity,
			Confidence: confidence,
		},
		Confidence: confidence,
	}, nil
}

func ruleConfidence(matches, length int, emotionType string) float64 {
	var confidence float64
	switch {
	case matches == 0:
		confidence = 0.4
	case matches == 1:
		confidence = 0.6
	case matches == 2:
		confidence = 0.75
	default:
		confidence = 0.9
	}
	if length < 20 && matches > 0 {
		confidence += 0.1
	}
	if emotionType == EmotionNeutral && length > 50 {
		confidence = 0.5
	}
	return confidence
}

func countMatches(lower string, lexicon []string) int {
	count := 0
	for _, word := range lexicon {
		count += strings.Count(lower, word)
	}
	return count
}

// ------------------------------------------------------------------
// Model level
// ------------------------------------------------------------------

const emotionPrompt = `判断下面这句话的情绪。只输出 JSON：
{"type": "positive|negative|neutral", "intensity": 0.0-1.0, "reason": "简短说明"}

句子：%s`

type emotionLLMLevel struct {
	client llm.Client
}

func (l *emotionLLMLevel) Tag() core.LevelTag { return core.LevelLLM }

func (l *emotionLLMLevel) Infer(ctx context.Context, input string, evalCtx map[string]any) (*cascade.Result, error) {
	resp, err := l.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(emotionPrompt, input)},
	}, &llm.Options{Temperature: 0.1, MaxTokens: 200})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Type      string  `json:"type"`
		Intensity float64 `json:"intensity"`
		Reason    string  `json:"reason"`
	}
	if err := llm.ExtractJSON(resp.Content, &payload); err != nil {
		return nil, err
	}

	emotion := &EmotionResult{
		Type:       payload.Type,
		Intensity:  payload.Intensity,
		Confidence: 0.9,
		Reason:     payload.Reason,
	}
	return &cascade.Result{Value: emotion, Confidence: 0.9}, nil
}
