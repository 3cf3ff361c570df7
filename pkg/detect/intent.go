package detect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kailiangenn/another-me/pkg/cascade"
	"github.com/kailiangenn/another-me/pkg/core"
	"github.com/kailiangenn/another-me/pkg/llm"
)

const ruleIntentConfidence = 0.7

// intentRules are evaluated in order; the first matching intent wins.
var intentRules = []struct {
	intent   Intent
	patterns []*regexp.Regexp
}{
	{IntentMemorize, compileAll(
		`记住`, `记一下`, `帮我记`, `别忘了`, `备忘`,
		`remember this`, `note down`, `memorize`, `don't forget`)},
	{IntentRecall, compileAll(
		`回忆`, `想起`, `我之前`, `我上次`, `还记得`,
		`recall`, `remember when`, `what did i`, `last time i`)},
	{IntentAnalyze, compileAll(
		`分析`, `总结`, `统计`, `汇总`, `报告`,
		`analyze`, `summarize`, `statistics`, `break down`)},
	{IntentSearch, compileAll(
		`搜索`, `查找`, `查询`, `找一下`, `什么是`, `是什么`, `资料`,
		`search`, `find`, `look up`, `what is`, `tell me about`)},
	{IntentChat, compileAll(
		`你好`, `谢谢`, `哈哈`, `早上好`, `晚安`,
		`\bhello\b`, `\bhi\b`, `\bthanks\b`, `how are you`)},
}

var memorizePrefixes = []string{"帮我记住", "帮我记一下", "记住", "记一下", "别忘了", "remember this:", "remember this", "note down"}

var timeRangePattern = regexp.MustCompile(
	`今天|昨天|前天|上周|上个月|去年|最近|today|yesterday|last week|last month|recently`)

var statisticsPattern = regexp.MustCompile(`统计|汇总|多少|几次|statistics|count|how many`)

// IntentDetector classifies user intent and fills intent-specific slots.
type IntentDetector struct {
	engine *cascade.Engine
}

// NewIntentDetector builds the cascade: regex rules first, then the model.
func NewIntentDetector(client llm.Client, logger *zap.Logger) *IntentDetector {
	engine := cascade.New("intent",
		cascade.WithThreshold(ruleIntentConfidence),
		cascade.WithLogger(logger))
	engine.AddLevel(&intentRuleLevel{})
	if client != nil {
		engine.AddLevel(&intentLLMLevel{client: client})
	}
	return &IntentDetector{engine: engine}
}

// Detect classifies input and fills slots for the chosen intent. The raw
// cascade result is returned alongside for callers that need level
// provenance.
func (d *IntentDetector) Detect(ctx context.Context, input string) (*IntentResult, *cascade.Result, error) {
	raw, err := d.engine.Infer(ctx, input, nil)
	if err != nil {
		return nil, nil, err
	}

	// Copy before filling slots: the cascade caches raw.Value, and the
	// cached result must stay immutable across concurrent callers.
	result := &IntentResult{Intent: IntentUnknown, Confidence: raw.Confidence}
	if cached, ok := raw.Value.(*IntentResult); ok {
		clone := *cached
		result = &clone
	}
	result.Slots = fillSlots(result.Intent, input)
	return result, raw, nil
}

// fillSlots derives intent-specific parameters from the input.
func fillSlots(intent Intent, input string) map[string]string {
	slots := make(map[string]string)
	switch intent {
	case IntentSearch:
		slots["query"] = input
	case IntentRecall:
		slots["query"] = input
		if m := timeRangePattern.FindString(input); m != "" {
			slots["time_range"] = m
		}
	case IntentMemorize:
		slots["content"] = stripMemorizePrefix(input)
	case IntentAnalyze:
		if statisticsPattern.MatchString(input) {
			slots["analysis_type"] = "statistics"
		} else {
			slots["analysis_type"] = "summary"
		}
	}
	if len(slots) == 0 {
		return nil
	}
	return slots
}

func stripMemorizePrefix(input string) string {
	lower := strings.ToLower(input)
	for _, prefix := range memorizePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(input[len(prefix):])
		}
	}
	return input
}

func compileAll(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(`(?i)` + p)
	}
	return compiled
}

// ------------------------------------------------------------------
// Rule level
// ------------------------------------------------------------------

type intentRuleLevel struct{}

func (l *intentRuleLevel) Tag() core.LevelTag { return core.LevelRule }

func (l *intentRuleLevel) Infer(ctx context.Context, input string, evalCtx map[string]any) (*cascade.Result, error) {
	for _, rule := range intentRules {
		for _, pattern := range rule.patterns {
			if pattern.MatchString(input) {
				result := &IntentResult{Intent: rule.intent, Confidence: ruleIntentConfidence}
				return &cascade.Result{Value: result, Confidence: ruleIntentConfidence}, nil
			}
		}
	}
	return &cascade.Result{
		Value:      &IntentResult{Intent: IntentUnknown, Confidence: 0},
		Confidence: 0,
	}, nil
}

// ------------------------------------------------------------------
// Model level
// ------------------------------------------------------------------

const intentPrompt = `判断用户这句话的意图，从 search, chat, memorize, recall, analyze 中选择。只输出 JSON：
{"intent": "...", "confidence": 0.0-1.0, "reason": "简短说明"}

用户输入：%s`

type intentLLMLevel struct {
	client llm.Client
}

func (l *intentLLMLevel) Tag() core.LevelTag { return core.LevelLLM }

func (l *intentLLMLevel) Infer(ctx context.Context, input string, evalCtx map[string]any) (*cascade.Result, error) {
	resp, err := l.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(intentPrompt, input)},
	}, &llm.Options{Temperature: 0.1, MaxTokens: 200})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := llm.ExtractJSON(resp.Content, &payload); err != nil {
		return nil, err
	}

	intent := Intent(payload.Intent)
	switch intent {
	case IntentSearch, IntentChat, IntentMemorize, IntentRecall, IntentAnalyze:
	default:
		intent = IntentUnknown
	}
	result := &IntentResult{Intent: intent, Confidence: payload.Confidence, Reason: payload.Reason}
	return &cascade.Result{Value: result, Confidence: payload.Confidence}, nil
}
