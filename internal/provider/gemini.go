package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// SourceLoader downloads the submission's source image.
type SourceLoader func(ctx context.Context, url string) (data []byte, mime string, err error)

type generateFunc func(ctx context.Context, model string, params Params, parts ...genai.Part) (*genai.GenerateContentResponse, error)

// GeminiVendor restyles stills with a Gemini image model. It answers
// synchronously with the image bytes and cannot produce video.
type GeminiVendor struct {
	name     string
	client   *genai.Client
	load     SourceLoader
	generate generateFunc
}

// NewGeminiVendor creates a Gemini client for apiKey
func NewGeminiVendor(ctx context.Context, name, apiKey string, load SourceLoader) (*GeminiVendor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s: API key is required", name)
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	v := &GeminiVendor{name: name, client: client, load: load}
	v.generate = func(ctx context.Context, model string, params Params, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
		m := client.GenerativeModel(model)
		if params.GuidanceScale > 0 {
			// guidance has no direct Gemini analogue; lower temperature for stronger adherence
			m.SetTemperature(float32(1 / params.GuidanceScale))
		}
		return m.GenerateContent(ctx, parts...)
	}
	return v, nil
}

func (v *GeminiVendor) Name() string { return v.name }

// Close releases the underlying client
func (v *GeminiVendor) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}

func (v *GeminiVendor) Generate(ctx context.Context, req Request, params Params) (*Result, error) {
	if req.Kind.IsVideo() && req.ShotCount == 0 {
		return nil, fmt.Errorf("%s: %s is not supported", v.name, req.Kind)
	}
	if params.Model == "" {
		return nil, fmt.Errorf("%s: model is required", v.name)
	}

	data, mime, err := v.load(ctx, req.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("%s: load source: %w", v.name, err)
	}

	format := strings.TrimPrefix(mime, "image/")
	if format == mime || format == "" {
		return nil, fmt.Errorf("%s: source is not an image (%s)", v.name, mime)
	}

	resp, err := v.generate(ctx, params.Model, params,
		genai.ImageData(format, data),
		genai.Text(instruction(req)),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: generate content: %w", v.name, err)
	}

	blob, err := firstImage(resp)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", v.name, err)
	}
	return &Result{Data: blob.Data, MIME: blob.MIMEType}, nil
}

// Poll is never needed: Gemini results are synchronous.
func (v *GeminiVendor) Poll(context.Context, string) (*Status, error) {
	return nil, fmt.Errorf("%s: %w", v.name, errNotFound)
}

func instruction(req Request) string {
	var b strings.Builder
	b.WriteString("Restyle the attached photo. Keep the subject, pose and composition.")
	if p := strings.TrimSpace(req.Prompt); p != "" {
		b.WriteString(" Style: ")
		b.WriteString(p)
		b.WriteString(".")
	}
	if n := strings.TrimSpace(req.NegativePrompt); n != "" {
		b.WriteString(" Avoid: ")
		b.WriteString(n)
		b.WriteString(".")
	}
	if req.ShotCount > 0 {
		fmt.Fprintf(&b, " This is shot %d of %d of a short story; vary framing between shots.", req.ShotIndex+1, req.ShotCount)
	}
	return b.String()
}

func firstImage(resp *genai.GenerateContentResponse) (*genai.Blob, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, errors.New("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return nil, errors.New("no content in response")
	}
	for _, part := range candidate.Content.Parts {
		if blob, ok := part.(genai.Blob); ok && len(blob.Data) > 0 && strings.HasPrefix(blob.MIMEType, "image/") {
			return &blob, nil
		}
	}
	return nil, errors.New("no image in response")
}
