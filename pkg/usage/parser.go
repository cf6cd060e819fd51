// Package usage extracts billable units from vendor response envelopes. One
// parser per supported vendor plus a generic fallback; parsers never raise on
// missing fields, they return zeros with a warning flag.
package usage

import (
	"encoding/json"
	"strings"

	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
)

// Parser extracts usage units from one vendor's response envelope
type Parser interface {
	Parse(body []byte, model string) *models.UsageData
	Vendor() models.Vendor
}

// Registry dispatches to the vendor-specific parser, falling back to the
// generic parser for unknown vendors.
type Registry struct {
	parsers map[models.Vendor]Parser
	generic *GenericParser
	logger  observability.Logger
}

// NewRegistry creates a parser registry with all supported vendors wired in.
// charFamilies lists the Google model-name substrings billed per character.
func NewRegistry(logger observability.Logger, charFamilies []string) *Registry {
	r := &Registry{
		parsers: make(map[models.Vendor]Parser),
		generic: NewGenericParser(),
		logger:  logger,
	}
	for _, p := range []Parser{
		&OpenAIParser{},
		&AnthropicParser{},
		NewGoogleParser(charFamilies),
	} {
		r.parsers[p.Vendor()] = p
	}
	return r
}

// Parse extracts usage for the vendor, applying the generic fallback when the
// vendor is unknown.
func (r *Registry) Parse(vendor models.Vendor, body []byte, model string) *models.UsageData {
	if p, ok := r.parsers[vendor]; ok {
		usage := p.Parse(body, model)
		usage.Vendor = vendor
		if usage.Warning != "" {
			r.logger.Debug("Usage parse warning", map[string]interface{}{
				"vendor":  vendor,
				"model":   model,
				"warning": usage.Warning,
			})
		}
		return usage
	}
	usage := r.generic.Parse(body, model)
	usage.Vendor = vendor
	return usage
}

// OpenAIParser reads token counts from the nested usage object of an
// OpenAI-style completion response.
type OpenAIParser struct{}

// Vendor implements Parser
func (p *OpenAIParser) Vendor() models.Vendor { return models.VendorOpenAI }

type openAIEnvelope struct {
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Parse implements Parser
func (p *OpenAIParser) Parse(body []byte, model string) *models.UsageData {
	usage := &models.UsageData{Model: model, PricingModel: models.PricingPerToken}

	var env openAIEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		usage.Warning = "unparseable response envelope"
		return usage
	}
	if env.Model != "" {
		usage.Model = env.Model
	}
	if env.Usage.PromptTokens == 0 && env.Usage.CompletionTokens == 0 {
		usage.Warning = "usage object missing or empty"
		return usage
	}
	usage.InputUnits = env.Usage.PromptTokens
	usage.OutputUnits = env.Usage.CompletionTokens
	return usage
}

// AnthropicParser reads input/output token counts from an Anthropic-style
// message response. Character counts, when derivable, are recorded only as
// metadata.
type AnthropicParser struct{}

// Vendor implements Parser
func (p *AnthropicParser) Vendor() models.Vendor { return models.VendorAnthropic }

type anthropicEnvelope struct {
	Model string `json:"model"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Parse implements Parser
func (p *AnthropicParser) Parse(body []byte, model string) *models.UsageData {
	usage := &models.UsageData{Model: model, PricingModel: models.PricingPerToken}

	var env anthropicEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		usage.Warning = "unparseable response envelope"
		return usage
	}
	if env.Model != "" {
		usage.Model = env.Model
	}
	if env.Usage.InputTokens == 0 && env.Usage.OutputTokens == 0 {
		usage.Warning = "usage object missing or empty"
		return usage
	}
	usage.InputUnits = env.Usage.InputTokens
	usage.OutputUnits = env.Usage.OutputTokens

	var chars int
	for _, c := range env.Content {
		chars += len(c.Text)
	}
	if chars > 0 {
		usage.Metadata = map[string]interface{}{"output_characters": chars}
	}
	return usage
}

// tokenToCharRatio converts Google token counts to billable characters for
// character-priced model families.
const tokenToCharRatio = 4

// GoogleParser reads token counts from a Google-style response. Models whose
// identifier matches a configured character-based family are converted to
// characters at a fixed 1:4 ratio and billed per character.
type GoogleParser struct {
	charFamilies []string
}

// NewGoogleParser creates a Google parser with the character-billed families
func NewGoogleParser(charFamilies []string) *GoogleParser {
	if len(charFamilies) == 0 {
		charFamilies = []string{"text-bison", "chat-bison", "gecko"}
	}
	return &GoogleParser{charFamilies: charFamilies}
}

// Vendor implements Parser
func (p *GoogleParser) Vendor() models.Vendor { return models.VendorGoogle }

type googleEnvelope struct {
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

// Parse implements Parser
func (p *GoogleParser) Parse(body []byte, model string) *models.UsageData {
	usage := &models.UsageData{Model: model, PricingModel: models.PricingPerToken}

	var env googleEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		usage.Warning = "unparseable response envelope"
		return usage
	}
	if env.ModelVersion != "" {
		usage.Model = env.ModelVersion
	}

	in := env.UsageMetadata.PromptTokenCount
	out := env.UsageMetadata.CandidatesTokenCount
	if in == 0 && out == 0 {
		usage.Warning = "usageMetadata missing or empty"
		return usage
	}

	if p.isCharFamily(usage.Model) {
		usage.PricingModel = models.PricingPerCharacter
		usage.InputUnits = in * tokenToCharRatio
		usage.OutputUnits = out * tokenToCharRatio
		usage.Metadata = map[string]interface{}{
			"prompt_tokens":     in,
			"candidates_tokens": out,
		}
		return usage
	}

	usage.InputUnits = in
	usage.OutputUnits = out
	return usage
}

func (p *GoogleParser) isCharFamily(model string) bool {
	lower := strings.ToLower(model)
	for _, family := range p.charFamilies {
		if strings.Contains(lower, family) {
			return true
		}
	}
	return false
}

// whitespaceTokenFactor scales a whitespace token count toward a subword
// token estimate. Empirical; revisit per vendor.
const whitespaceTokenFactor = 1.3

// GenericParser is the fallback for unknown vendors. It scans a fixed set of
// candidate field names; failing that, it estimates output tokens from the
// response text. Every result is flagged low-confidence.
type GenericParser struct {
	inputFields  []string
	outputFields []string
}

// NewGenericParser creates the fallback parser
func NewGenericParser() *GenericParser {
	return &GenericParser{
		inputFields:  []string{"prompt_tokens", "input_tokens", "promptTokenCount", "input_token_count"},
		outputFields: []string{"completion_tokens", "output_tokens", "candidatesTokenCount", "output_token_count"},
	}
}

// Vendor implements Parser
func (p *GenericParser) Vendor() models.Vendor { return "generic" }

// Parse implements Parser
func (p *GenericParser) Parse(body []byte, model string) *models.UsageData {
	usage := &models.UsageData{
		Model:         model,
		PricingModel:  models.PricingPerToken,
		LowConfidence: true,
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		usage.Warning = "unparseable response envelope"
		return usage
	}

	usage.InputUnits = findIntField(doc, p.inputFields)
	usage.OutputUnits = findIntField(doc, p.outputFields)
	if usage.InputUnits > 0 || usage.OutputUnits > 0 {
		return usage
	}

	// No recognizable counters; estimate from whatever text is present
	if text := extractText(doc); text != "" {
		words := len(strings.Fields(text))
		usage.OutputUnits = int64(float64(words) * whitespaceTokenFactor)
		usage.Estimated = true
		usage.Warning = "usage estimated from response text"
		return usage
	}

	usage.Warning = "no usage fields found"
	return usage
}

// findIntField walks the document depth-first for the first candidate field
func findIntField(doc map[string]interface{}, candidates []string) int64 {
	for _, name := range candidates {
		if v, ok := lookupNumber(doc, name); ok {
			return v
		}
	}
	return 0
}

func lookupNumber(node map[string]interface{}, name string) (int64, bool) {
	if v, ok := node[name]; ok {
		if f, ok := v.(float64); ok {
			return int64(f), true
		}
	}
	for _, v := range node {
		if child, ok := v.(map[string]interface{}); ok {
			if n, ok := lookupNumber(child, name); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// extractText pulls the first plausible response text from the document
func extractText(node map[string]interface{}) string {
	for _, name := range []string{"text", "content", "output", "response", "message"} {
		if v, ok := node[name]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	for _, v := range node {
		switch child := v.(type) {
		case map[string]interface{}:
			if s := extractText(child); s != "" {
				return s
			}
		case []interface{}:
			for _, item := range child {
				if m, ok := item.(map[string]interface{}); ok {
					if s := extractText(m); s != "" {
						return s
					}
				}
			}
		}
	}
	return ""
}
