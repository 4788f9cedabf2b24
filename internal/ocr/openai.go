package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"

	"retailpulse/backend/internal/domain"
)

const receiptPrompt = `You read retail receipts. Reply with a single JSON object:
{"date":"YYYY-MM-DD","vendor_name":"","items":[{"name":"","qty":1,"price":0}],"total":0,"confidence":0}
"price" is the line total for the item. "confidence" is 0-100. Use an empty date when none is printed.`

// OpenAIExtractor sends the image to a vision-capable chat model and parses
// the JSON it returns.
type OpenAIExtractor struct {
	client *openai.Client
	model  string
}

func NewOpenAIExtractor(apiKey string, model string) *OpenAIExtractor {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIExtractor{client: openai.NewClient(apiKey), model: model}
}

type openAIReceipt struct {
	Date       string  `json:"date"`
	VendorName string  `json:"vendor_name"`
	Total      float64 `json:"total"`
	Confidence float64 `json:"confidence"`
	Items      []struct {
		Name  string  `json:"name"`
		Qty   float64 `json:"qty"`
		Price float64 `json:"price"`
	} `json:"items"`
}

func (e *OpenAIExtractor) Extract(ctx context.Context, image []byte, filename string) (*domain.ReceiptPayload, error) {
	if len(image) == 0 {
		return nil, errors.New("receipt image is empty")
	}
	dataURL := "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: receiptPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: "Receipt file: " + filename},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL, Detail: openai.ImageURLDetailHigh}},
				},
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0,
		MaxTokens:      800,
	})
	if err != nil {
		return nil, fmt.Errorf("openai error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}
	return parseReceiptJSON(resp.Choices[0].Message.Content)
}

func parseReceiptJSON(content string) (*domain.ReceiptPayload, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```"), "```")

	var raw openAIReceipt
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("decode receipt json: %w", err)
	}

	payload := &domain.ReceiptPayload{
		Date:       strings.TrimSpace(raw.Date),
		VendorName: strings.TrimSpace(raw.VendorName),
		Total:      decimal.NewFromFloat(raw.Total).Round(2),
		Confidence: raw.Confidence,
		Items:      make([]domain.ReceiptItem, 0, len(raw.Items)),
	}
	for _, item := range raw.Items {
		payload.Items = append(payload.Items, domain.ReceiptItem{
			Name:  strings.TrimSpace(item.Name),
			Qty:   int(item.Qty),
			Price: decimal.NewFromFloat(item.Price).Round(2),
		})
	}
	return payload, nil
}
