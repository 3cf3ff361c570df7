package detect

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kailiangenn/another-me/pkg/core"
	"github.com/kailiangenn/another-me/pkg/llm"
)

// fakeLLM returns a canned response and records whether it was called.
type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Generate(ctx context.Context, messages []llm.Message, opts *llm.Options) (*llm.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.response}, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, messages []llm.Message, opts *llm.Options, fn llm.StreamFunc) error {
	return errors.New("not implemented")
}

func (f *fakeLLM) EstimateTokens(text string) int { return len(text) / 4 }
func (f *fakeLLM) IsConfigured() bool             { return true }

// ------------------------------------------------------------------
// Intent
// ------------------------------------------------------------------

func TestIntentRuleSufficient(t *testing.T) {
	model := &fakeLLM{response: `{"intent": "chat", "confidence": 0.9}`}
	d := NewIntentDetector(model, nil)

	input := "搜索关于量子计算的资料"
	result, raw, err := d.Detect(context.Background(), input)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result.Intent != IntentSearch {
		t.Errorf("intent = %v, want search", result.Intent)
	}
	if result.Confidence != 0.7 {
		t.Errorf("confidence = %v, want 0.7", result.Confidence)
	}
	if raw.Level != core.LevelRule {
		t.Errorf("level = %v, want rule", raw.Level)
	}
	if result.Slots["query"] != input {
		t.Errorf("slots.query = %q, want full input", result.Slots["query"])
	}
	if model.calls != 0 {
		t.Error("model invoked despite rule-sufficient confidence")
	}
}

func TestIntentEscalation(t *testing.T) {
	model := &fakeLLM{response: `{"intent": "analyze", "confidence": 0.85, "reason": "planning request"}`}
	d := NewIntentDetector(model, nil)

	result, raw, err := d.Detect(context.Background(), "帮我想想下一步怎么办")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if model.calls != 1 {
		t.Fatalf("model calls = %d, want 1", model.calls)
	}
	if result.Intent != IntentAnalyze {
		t.Errorf("intent = %v, want analyze (from model)", result.Intent)
	}
	attempts, ok := raw.Metadata["attempts"].([]map[string]any)
	if !ok || len(attempts) != 2 {
		t.Errorf("metadata should record both level attempts: %v", raw.Metadata)
	}
}

func TestIntentCacheHitGetsFreshSlots(t *testing.T) {
	d := NewIntentDetector(nil, nil)
	ctx := context.Background()
	input := "搜索关于量子计算的资料"

	first, _, err := d.Detect(ctx, input)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	second, raw, err := d.Detect(ctx, input)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if first == second {
		t.Fatal("each Detect call should return its own result")
	}
	cached, ok := raw.Value.(*IntentResult)
	if !ok {
		t.Fatalf("cached value = %T, want *IntentResult", raw.Value)
	}
	if cached.Slots != nil {
		t.Errorf("cached result gained slots: %v", cached.Slots)
	}

	// Mutating one caller's slots must not leak into another's.
	first.Slots["query"] = "mutated"
	if second.Slots["query"] != input {
		t.Errorf("slots shared between calls: %q", second.Slots["query"])
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, _, err := d.Detect(ctx, input)
			if err != nil {
				t.Errorf("concurrent Detect: %v", err)
				return
			}
			if result.Slots["query"] != input {
				t.Errorf("concurrent slots.query = %q", result.Slots["query"])
			}
		}()
	}
	wg.Wait()
}

func TestIntentRuleTable(t *testing.T) {
	d := NewIntentDetector(nil, nil)
	tests := []struct {
		input string
		want  Intent
	}{
		{"帮我记住明天要开会", IntentMemorize},
		{"我之前是不是提过这件事", IntentRecall},
		{"总结一下这周的工作", IntentAnalyze},
		{"什么是向量数据库", IntentSearch},
		{"你好呀", IntentChat},
		{"search for retrieval papers", IntentSearch},
		{"remember this: the deploy key rotated", IntentMemorize},
		{"嗯嗯", IntentUnknown},
	}
	for _, tt := range tests {
		result, _, err := d.Detect(context.Background(), tt.input)
		if err != nil {
			t.Fatalf("Detect(%q): %v", tt.input, err)
		}
		if result.Intent != tt.want {
			t.Errorf("Detect(%q) = %v, want %v", tt.input, result.Intent, tt.want)
		}
	}
}

func TestIntentSlots(t *testing.T) {
	d := NewIntentDetector(nil, nil)
	ctx := context.Background()

	result, _, _ := d.Detect(ctx, "帮我记住明天要给项目组发周报")
	if result.Slots["content"] != "明天要给项目组发周报" {
		t.Errorf("memorize content slot = %q", result.Slots["content"])
	}

	result, _, _ = d.Detect(ctx, "回忆一下我昨天说了什么")
	if result.Slots["time_range"] != "昨天" {
		t.Errorf("recall time_range slot = %q", result.Slots["time_range"])
	}

	result, _, _ = d.Detect(ctx, "统计这个月写了多少日志")
	if result.Slots["analysis_type"] != "statistics" {
		t.Errorf("analyze slot = %q, want statistics", result.Slots["analysis_type"])
	}

	result, _, _ = d.Detect(ctx, "总结一下最近的进展")
	if result.Slots["analysis_type"] != "summary" {
		t.Errorf("analyze slot = %q, want summary", result.Slots["analysis_type"])
	}
}

// ------------------------------------------------------------------
// Emotion
// ------------------------------------------------------------------

func TestEmotionRuleSchedule(t *testing.T) {
	d := NewEmotionDetector(nil, nil)
	ctx := context.Background()

	tests := []struct {
		name           string
		input          string
		wantType       string
		wantConfidence float64
	}{
		// One match, short text: 0.6 + 0.1
		{"single positive short", "今天很开心", EmotionPositive, 0.7},
		// Two matches, short text: 0.75 + 0.1
		{"double positive short", "开心又兴奋", EmotionPositive, 0.85},
		// Three matches, short text: 0.9 + 0.1
		{"triple negative short", "难过生气又失望", EmotionNegative, 1.0},
		// Zero matches, short text: base 0.4, no bonus.
		{"neutral short", "明天开会", EmotionNeutral, 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Detect(ctx, tt.input)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if got.Type != tt.wantType {
				t.Errorf("type = %v, want %v", got.Type, tt.wantType)
			}
			if got.Confidence != tt.wantConfidence {
				t.Errorf("confidence = %v, want %v", got.Confidence, tt.wantConfidence)
			}
		})
	}
}

func TestEmotionNeutralLongOverride(t *testing.T) {
	d := NewEmotionDetector(nil, nil)
	long := "今天的会议按照议程讨论了下个季度的排期安排以及各个模块的负责人分工情况，流程上先过了需求清单再确认了里程碑节点，整体比较常规。"
	got, err := d.Detect(context.Background(), long)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Type != EmotionNeutral || got.Confidence != 0.5 {
		t.Errorf("long neutral = %+v, want neutral with confidence 0.5", got)
	}
}

func TestEmotionIntensityCap(t *testing.T) {
	d := NewEmotionDetector(nil, nil)
	got, err := d.Detect(context.Background(), "开心 高兴 快乐 兴奋 满意")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Intensity != 0.9 {
		t.Errorf("intensity = %v, want capped at 0.9", got.Intensity)
	}
}

func TestEmotionLLMEscalation(t *testing.T) {
	model := &fakeLLM{response: "```json\n{\"type\": \"negative\", \"intensity\": 0.8, \"reason\": \"暗含压力\"}\n```"}
	d := NewEmotionDetector(model, nil)

	// Neutral short text scores 0.4, below threshold, so the model runs.
	got, err := d.Detect(context.Background(), "又是周一")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if model.calls != 1 {
		t.Fatalf("model calls = %d, want 1", model.calls)
	}
	if got.Type != EmotionNegative || got.Confidence != 0.9 {
		t.Errorf("escalated result = %+v", got)
	}
}

// ------------------------------------------------------------------
// Entities
// ------------------------------------------------------------------

func TestEntityRuleExtraction(t *testing.T) {
	d := NewEntityDetector(nil, nil)
	entities, err := d.Extract(context.Background(), "昨天在杭州和 Alice Wang 讨论了关于量子计算的进展")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	types := make(map[string]string)
	for _, e := range entities {
		types[e.Text] = e.Type
	}
	if types["昨天"] != EntityDate {
		t.Errorf("missing date entity: %v", entities)
	}
	if types["杭州"] != EntityLocation {
		t.Errorf("missing location entity: %v", entities)
	}
	if types["量子计算"] != EntityConcept {
		t.Errorf("missing concept entity: %v", entities)
	}
	if types["Alice Wang"] != EntityConcept {
		t.Errorf("missing proper noun entity: %v", entities)
	}
}

func TestEntityDedup(t *testing.T) {
	d := NewEntityDetector(nil, nil)
	entities, err := d.Extract(context.Background(), "北京很大，北京很忙")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	count := 0
	for _, e := range entities {
		if e.Type == EntityLocation {
			count++
		}
	}
	if count != 1 {
		t.Errorf("location extracted %d times, want 1", count)
	}
}

func TestEntityLLMMerge(t *testing.T) {
	model := &fakeLLM{response: `[{"text": "老王", "type": "person"}]`}
	d := NewEntityDetector(model, nil)

	// No rule patterns fire here, so confidence 0.4 escalates.
	entities, err := d.Extract(context.Background(), "跟老王聊了聊")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if model.calls != 1 {
		t.Fatalf("model calls = %d, want 1", model.calls)
	}
	if len(entities) != 1 || entities[0].Text != "老王" || entities[0].Type != EntityPerson {
		t.Errorf("entities = %v", entities)
	}
}

func TestEntityRuleHitSkipsModel(t *testing.T) {
	model := &fakeLLM{response: `[]`}
	d := NewEntityDetector(model, nil)

	entities, err := d.Extract(context.Background(), "昨天的事")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if model.calls != 0 {
		t.Errorf("model calls = %d, want 0", model.calls)
	}
	if len(entities) != 1 || entities[0].Type != EntityDate {
		t.Errorf("entities = %v", entities)
	}
}

func TestEntityModelFailureFallsBack(t *testing.T) {
	model := &fakeLLM{err: errors.New("backend down")}
	d := NewEntityDetector(model, nil)

	// No rule patterns fire, the model errors: best-of keeps the rule
	// result and the caller sees no error.
	entities, err := d.Extract(context.Background(), "跟老王聊了聊")
	if err != nil {
		t.Fatalf("Extract should not fail when the model does: %v", err)
	}
	if len(entities) != 0 {
		t.Errorf("entities = %v, want none", entities)
	}
}
