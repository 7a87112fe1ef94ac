package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/xeipuuv/gojsonschema"
	"google.golang.org/api/option"
)

// segmentSchema is the shape the segment writer must answer with.
const segmentSchema = `{
  "type": "object",
  "required": ["script", "video_prompt"],
  "properties": {
    "script":       {"type": "string", "minLength": 1},
    "video_prompt": {"type": "string", "minLength": 1},
    "continuity":   {"type": "string"}
  }
}`

var segmentSchemaLoader = gojsonschema.NewStringLoader(segmentSchema)

type GeminiConfig struct {
	APIKey      string
	TextModel   string
	VisionModel string
	Temperature float32
}

// Gemini implements ScriptWriter, SegmentWriter and FrameAnalyzer.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *Gemini) model(name string) *genai.GenerativeModel {
	m := g.client.GenerativeModel(name)
	m.SetTemperature(g.cfg.Temperature)
	return m
}

func (g *Gemini) GenerateScript(ctx context.Context, req ScriptRequest) (string, error) {
	m := g.model(g.cfg.TextModel)
	m.SystemInstruction = genai.NewUserContent(genai.Text(scriptSystemPrompt(req)))

	resp, err := m.GenerateContent(ctx, genai.Text(scriptUserPrompt(req)))
	if err != nil {
		return "", fmt.Errorf("generate script: %w", err)
	}
	text, err := responseText(resp)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (g *Gemini) GenerateSegment(ctx context.Context, req SegmentRequest) (SegmentResult, error) {
	m := g.model(g.cfg.TextModel)
	m.ResponseMIMEType = "application/json"
	m.SystemInstruction = genai.NewUserContent(genai.Text(segmentSystemPrompt(req)))

	resp, err := m.GenerateContent(ctx, genai.Text(segmentUserPrompt(req)))
	if err != nil {
		return SegmentResult{}, fmt.Errorf("generate segment: %w", err)
	}
	text, err := responseText(resp)
	if err != nil {
		return SegmentResult{}, err
	}
	return ParseSegment(text)
}

func (g *Gemini) AnalyzeFrame(ctx context.Context, req AnalyzeRequest) (string, error) {
	img, err := os.ReadFile(req.FramePath)
	if err != nil {
		return "", fmt.Errorf("read frame: %w", err)
	}
	m := g.model(g.cfg.VisionModel)
	m.SystemInstruction = genai.NewUserContent(genai.Text(analyzerSystemPrompt))

	resp, err := m.GenerateContent(ctx, genai.ImageData("jpeg", img), genai.Text(analyzerUserPrompt(req)))
	if err != nil {
		return "", fmt.Errorf("analyze frame: %w", err)
	}
	text, err := responseText(resp)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", ErrEmptyOutput)
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("%w: no content", ErrEmptyOutput)
	}
	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	text := strings.Join(parts, "")
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: no text parts", ErrEmptyOutput)
	}
	return text, nil
}

var (
	fencedJSON = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")
	bracedJSON = regexp.MustCompile(`\{[\s\S]*\}`)
)

// extractJSON finds the JSON object in a model answer: the whole text, a
// fenced block, or the outermost braces, in that order.
func extractJSON(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if json.Valid([]byte(text)) {
		return text, true
	}
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		if body := strings.TrimSpace(m[1]); json.Valid([]byte(body)) {
			return body, true
		}
	}
	if m := bracedJSON.FindString(text); m != "" && json.Valid([]byte(m)) {
		return m, true
	}
	return "", false
}

// ParseSegment decodes a segment answer. An answer that carries no JSON at all
// is taken as the script itself, with its head as the prompt; JSON that does
// not match the schema is rejected.
func ParseSegment(text string) (SegmentResult, error) {
	raw, ok := extractJSON(text)
	if !ok {
		script := strings.TrimSpace(text)
		if script == "" {
			return SegmentResult{}, ErrEmptyOutput
		}
		return SegmentResult{Script: script, VideoPrompt: truncateRunes(script, 200)}, nil
	}

	result, err := gojsonschema.Validate(segmentSchemaLoader, gojsonschema.NewStringLoader(raw))
	if err != nil {
		return SegmentResult{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return SegmentResult{}, fmt.Errorf("%w: %s", ErrInvalidOutput, strings.Join(msgs, "; "))
	}

	var out SegmentResult
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return SegmentResult{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	out.Script = strings.TrimSpace(out.Script)
	out.VideoPrompt = strings.TrimSpace(out.VideoPrompt)
	return out, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
