package memstore

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kailiangenn/another-me/pkg/core"
	"github.com/kailiangenn/another-me/pkg/llm"
)

// Length cutoffs for the retention heuristic, in characters.
const (
	casualLengthLimit    = 10
	temporaryLengthLimit = 50
)

// CJK keywords match as substrings; latin keywords match whole tokens.
var permanentKeywords = lexicon{
	cjk:   []string{"决定", "重要", "记住", "目标", "计划", "原则", "承诺", "梦想"},
	latin: []string{"decided", "important", "remember", "goal", "principle", "always", "never"},
}

var temporaryKeywords = lexicon{
	cjk:   []string{"明天", "下周", "提醒", "待办", "一会儿", "回头", "这周"},
	latin: []string{"tomorrow", "todo", "remind", "later", "tonight"},
}

var casualKeywords = lexicon{
	cjk:   []string{"哈哈", "呵呵", "你好", "早安", "晚安", "嗯嗯"},
	latin: []string{"haha", "lol", "hi", "hello", "ok", "okay", "thanks", "bye"},
}

type lexicon struct {
	cjk   []string
	latin []string
}

func (l lexicon) matches(text string) bool {
	for _, kw := range l.cjk {
		if strings.Contains(text, kw) {
			return true
		}
	}
	tokens := strings.Fields(strings.ToLower(text))
	for _, kw := range l.latin {
		for _, tok := range tokens {
			if strings.Trim(tok, ".,!?;:") == kw {
				return true
			}
		}
	}
	return false
}

// RetentionClassifier decides how long a memory should live: explicit
// hint, then keyword lexicons, then a length heuristic, then the model
// for long ambiguous text.
type RetentionClassifier struct {
	client llm.Client
	logger *zap.Logger
}

func NewRetentionClassifier(client llm.Client, logger *zap.Logger) *RetentionClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionClassifier{client: client, logger: logger}
}

const retentionPrompt = `判断下面这条信息值得保留多久。只输出一个词：permanent、temporary 或 casual_chat。

信息：%s`

// Classify never fails: every fallthrough lands on temporary.
func (c *RetentionClassifier) Classify(ctx context.Context, content string, hints map[string]string) core.RetentionType {
	if hint := core.RetentionType(hints["retention"]); hint.Valid() {
		return hint
	}

	switch {
	case permanentKeywords.matches(content):
		return core.RetentionPermanent
	case temporaryKeywords.matches(content):
		return core.RetentionTemporary
	case casualKeywords.matches(content):
		return core.RetentionCasualChat
	}

	length := 0
	for range content {
		length++
	}
	if length < casualLengthLimit {
		return core.RetentionCasualChat
	}
	if length < temporaryLengthLimit {
		return core.RetentionTemporary
	}

	if c.client != nil && c.client.IsConfigured() {
		if retention, ok := c.classifyWithModel(ctx, content); ok {
			return retention
		}
	}
	return core.RetentionTemporary
}

func (c *RetentionClassifier) classifyWithModel(ctx context.Context, content string) (core.RetentionType, bool) {
	resp, err := c.client.Generate(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: fmt.Sprintf(retentionPrompt, content)},
	}, &llm.Options{Temperature: 0, MaxTokens: 10})
	if err != nil {
		c.logger.Debug("retention model failed, defaulting to temporary", zap.Error(err))
		return "", false
	}

	answer := core.RetentionType(strings.ToLower(strings.TrimSpace(resp.Content)))
	if !answer.Valid() {
		return "", false
	}
	return answer, true
}
