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

var (
	datePattern = regexp.MustCompile(
		`\d{4}[-/年]\d{1,2}[-/月]\d{1,2}日?|\d{4}[-/]\d{1,2}|今天|明天|昨天|上周|下周|去年|yesterday|today|tomorrow|last week|next week`)

	// Latin proper nouns: one or more capitalized words in sequence.
	properNounPattern = regexp.MustCompile(`\b[A-Z][a-z]+(?: [A-Z][a-z]+)*\b`)
)

var knownLocations = []string{
	"北京", "上海", "广州", "深圳", "杭州", "成都", "武汉", "南京", "西安",
	"beijing", "shanghai", "hangzhou", "tokyo", "london", "new york", "paris",
}

var organizationSuffixes = []string{"公司", "大学", "学院", "研究所", "集团", "银行"}

// cjkConceptPattern pulls noun-ish CJK runs that follow common topical
// markers, a cheap stand-in for POS tagging.
// [^的\P{Han}] is "Han minus 的", so captures stop before the particle.
var cjkConceptPattern = regexp.MustCompile(`关于([^的\P{Han}]{2,8})|学习([^的\P{Han}]{2,8})|研究([^的\P{Han}]{2,8})`)

// EntityDetector extracts typed entities via rule patterns, escalating to
// the model for harder text.
type EntityDetector struct {
	engine *cascade.Engine
}

var _ EntityExtractor = (*EntityDetector)(nil)

// NewEntityDetector builds the extraction cascade.
func NewEntityDetector(client llm.Client, logger *zap.Logger) *EntityDetector {
	engine := cascade.New("ner", cascade.WithLogger(logger))
	engine.AddLevel(&nerRuleLevel{})
	if client != nil {
		engine.AddLevel(&nerLLMLevel{client: client})
	}
	return &EntityDetector{engine: engine}
}

// Extract returns deduplicated entities found in text.
func (d *EntityDetector) Extract(ctx context.Context, text string) ([]Entity, error) {
	result, err := d.engine.Infer(ctx, text, nil)
	if err != nil {
		return nil, err
	}
	if entities, ok := result.Value.([]Entity); ok {
		return entities, nil
	}
	return nil, nil
}

// ------------------------------------------------------------------
// Rule level
// ------------------------------------------------------------------

type nerRuleLevel struct{}

func (l *nerRuleLevel) Tag() core.LevelTag { return core.LevelRule }

func (l *nerRuleLevel) Infer(ctx context.Context, input string, evalCtx map[string]any) (*cascade.Result, error) {
	var entities []Entity

	for _, m := range datePattern.FindAllString(input, -1) {
		entities = append(entities, Entity{Text: m, Type: EntityDate})
	}

	lower := strings.ToLower(input)
	for _, loc := range knownLocations {
		if strings.Contains(lower, loc) {
			entities = append(entities, Entity{Text: loc, Type: EntityLocation})
		}
	}

	for _, suffix := range organizationSuffixes {
		pattern := regexp.MustCompile(`[\p{Han}]{2,8}` + suffix)
		for _, m := range pattern.FindAllString(input, -1) {
			entities = append(entities, Entity{Text: m, Type: EntityOrganization})
		}
	}

	for _, groups := range cjkConceptPattern.FindAllStringSubmatch(input, -1) {
		for _, g := range groups[1:] {
			if g != "" {
				entities = append(entities, Entity{Text: g, Type: EntityConcept})
			}
		}
	}

	for _, m := range properNounPattern.FindAllString(input, -1) {
		entities = append(entities, Entity{Text: m, Type: EntityConcept})
	}

	entities = dedupeEntities(entities)

	// Rich rule matches are trustworthy; silence is not.
	confidence := 0.75
	if len(entities) == 0 {
		confidence = 0.4
	}
	return &cascade.Result{Value: entities, Confidence: confidence}, nil
}

// ------------------------------------------------------------------
// Model level
// ------------------------------------------------------------------

const nerPrompt = `从下面的文本中抽取命名实体。只输出 JSON 数组：
[{"text": "实体文本", "type": "person|location|organization|date|concept"}]

文本：%s`

type nerLLMLevel struct {
	client llm.Client
}

func (l *nerLLMLevel) Tag() core.LevelTag { return core.LevelLLM }

func (l *nerLLMLevel) Infer(ctx context.Context, input string, evalCtx map[string]any) (*cascade.Result, error) {
	resp, err := l.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(nerPrompt, input)},
	}, &llm.Options{Temperature: 0.1, MaxTokens: 400})
	if err != nil {
		return nil, err
	}

	var entities []Entity
	if err := llm.ExtractJSON(resp.Content, &entities); err != nil {
		return nil, err
	}
	return &cascade.Result{Value: dedupeEntities(entities), Confidence: 0.9}, nil
}
