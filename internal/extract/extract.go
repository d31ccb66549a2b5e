// Package extract turns filing text into a structured extraction envelope
// via the Anthropic API.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ashareinsight/pipeline-cli/internal/model"
	"github.com/ashareinsight/pipeline-cli/pkg/anthropic"
)

const (
	// DefaultModel extracts well from long Chinese filings without Opus cost.
	DefaultModel = "claude-sonnet-4-5-20250929"

	// DefaultTimeout bounds one extraction call. Annual reports run long.
	DefaultTimeout = 3 * time.Minute

	// DefaultPromptVersion is recorded in every envelope so fusion reruns
	// can tell which prompt produced the data.
	DefaultPromptVersion = "v1.2"

	// defaultMaxContentChars truncates the filing text sent to the model.
	defaultMaxContentChars = 120000

	maxOutputTokens = 8192
)

// annualPrompt asks for the full company block plus concepts.
const annualPrompt = `你是一名证券分析师，负责从A股上市公司年度报告中提取结构化信息。

请从给出的年报文本中提取公司信息和业务概念，仅输出合法JSON，不要任何其他文字：
{
  "company_code": "6位股票代码",
  "company_name_full": "公司全称",
  "company_name_short": "公司简称",
  "exchange": "上交所/深交所/北交所",
  "report_title": "报告标题",
  "business_concepts": [
    {
      "concept_name": "业务概念名称",
      "concept_category": "核心业务/新兴业务/战略布局",
      "description": "该业务的详细描述",
      "importance_score": 0.0,
      "development_stage": "成熟期/成长期/探索期",
      "metrics": {},
      "timeline": {},
      "relations": {"customers": [], "partners": [], "subsidiaries_or_investees": []},
      "source_sentences": ["原文依据句子"]
    }
  ]
}

要求：
- importance_score 取值 [0, 1]，反映该业务对公司的重要程度。
- concept_category 只能取三个给定值之一。
- source_sentences 来自原文，最多20条。`

// researchPrompt needs only company identity, the report title, and
// concepts mentioned in the research note.
const researchPrompt = `你是一名证券分析师，负责从券商研究报告中提取结构化信息。

请从给出的研报文本中提取所覆盖公司的信息和业务概念，仅输出合法JSON，不要任何其他文字：
{
  "company_code": "6位股票代码",
  "company_name_short": "公司简称",
  "report_title": "研报标题",
  "business_concepts": [
    {
      "concept_name": "业务概念名称",
      "concept_category": "核心业务/新兴业务/战略布局",
      "description": "该业务的详细描述",
      "importance_score": 0.0,
      "development_stage": "成熟期/成长期/探索期",
      "metrics": {},
      "timeline": {},
      "relations": {"customers": [], "partners": [], "subsidiaries_or_investees": []},
      "source_sentences": ["原文依据句子"]
    }
  ]
}

要求：
- 只提取研报主要覆盖的那一家公司。
- importance_score 取值 [0, 1]；concept_category 只能取三个给定值之一。`

// Config tunes the extractor.
type Config struct {
	Model              string
	PromptVersion      string
	Timeout            time.Duration
	RateLimitPerMinute int
	MaxContentChars    int
}

// Input is one filing to extract.
type Input struct {
	Path    string
	DocType model.DocType
	Content string
}

// Extractor calls the Anthropic API with a per-document-type prompt and
// parses the JSON reply into an envelope.
type Extractor struct {
	ai      anthropic.Client
	cfg     Config
	limiter *rate.Limiter
}

// New wires an extractor. Zero config fields fall back to defaults.
func New(ai anthropic.Client, cfg Config) *Extractor {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = DefaultPromptVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = defaultMaxContentChars
	}
	var limiter *rate.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), 1)
	}
	return &Extractor{ai: ai, cfg: cfg, limiter: limiter}
}

// Extract runs one LLM extraction. The system prompt carries a cache
// breakpoint so consecutive documents of the same type reuse it.
func (e *Extractor) Extract(ctx context.Context, in Input) (*model.ExtractionEnvelope, error) {
	start := time.Now()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "extract: rate limit wait")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	content := in.Content
	if runes := []rune(content); len(runes) > e.cfg.MaxContentChars {
		content = string(runes[:e.cfg.MaxContentChars])
	}

	prompt := annualPrompt
	if in.DocType == model.DocTypeResearchReport {
		prompt = researchPrompt
	}
	userMsg := fmt.Sprintf("文件名: %s\n\n正文:\n%s", in.Path, content)

	resp, err := e.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.cfg.Model,
		MaxTokens: maxOutputTokens,
		System:    anthropic.BuildCachedSystemBlocks(prompt),
		Messages:  []anthropic.Message{{Role: "user", Content: userMsg}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "extract: claude request")
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, eris.New("extract: empty claude response")
	}

	data, err := parseExtraction(text)
	if err != nil {
		return nil, err
	}
	if data.CompanyCode == "" {
		return nil, eris.Errorf("extract: no company code in response for %s", in.Path)
	}
	if data.DocType == "" {
		data.DocType = in.DocType
	}

	resp.Usage.LogCost(resp.Model, "extraction")
	zap.L().Info("extraction finished",
		zap.String("path", in.Path),
		zap.String("company_code", data.CompanyCode),
		zap.Int("concepts", len(data.BusinessConcepts)),
		zap.Duration("elapsed", time.Since(start)))

	return &model.ExtractionEnvelope{
		ExtractionData: *data,
		Raw:            text,
		Model:          resp.Model,
		PromptVersion:  e.cfg.PromptVersion,
		ProcessingTime: time.Since(start).Seconds(),
		Timestamp:      time.Now().Format(time.RFC3339),
	}, nil
}

// parseExtraction pulls the JSON object out of the reply. The model may
// wrap it in prose or a code fence.
func parseExtraction(text string) (*model.ExtractionData, error) {
	jsonStart := strings.Index(text, "{")
	jsonEnd := strings.LastIndex(text, "}")
	if jsonStart < 0 || jsonEnd <= jsonStart {
		return nil, eris.Errorf("extract: no JSON in response: %.200s", text)
	}
	var data model.ExtractionData
	if err := json.Unmarshal([]byte(text[jsonStart:jsonEnd+1]), &data); err != nil {
		return nil, eris.Wrap(err, "extract: parse response JSON")
	}
	for i := range data.BusinessConcepts {
		c := &data.BusinessConcepts[i]
		if c.ImportanceScore < 0 {
			c.ImportanceScore = 0
		}
		if c.ImportanceScore > 1 {
			c.ImportanceScore = 1
		}
	}
	return &data, nil
}
