package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// BedrockCaller calls a Bedrock-hosted model. Unlike Anthropic's direct
// API, Bedrock authenticates via the ambient AWS credential chain, not a
// per-request key — apiKey here identifies which credential profile or
// IAM role session to assume, still rotated the same way by keypool so
// the sliding-window accounting in spec.md §4.5 applies uniformly
// regardless of backend.
type BedrockCaller struct {
	Region string
}

func NewBedrockCaller(region string) *BedrockCaller {
	return &BedrockCaller{Region: region}
}

func (b *BedrockCaller) Call(ctx context.Context, messages []Message, _ json.RawMessage, apiKey string, opts Options, target any) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(b.Region),
		awsconfig.WithSharedConfigProfile(apiKey),
	)
	if err != nil {
		return fmt.Errorf("llm adapter(bedrock): loading aws config for profile %q: %w", apiKey, err)
	}
	client := bedrockruntime.NewFromConfig(cfg)

	modelID := opts.Model
	if modelID == "" {
		modelID = "anthropic.claude-3-5-haiku-20241022-v1:0"
	}

	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        opts.MaxTokens,
		Messages:         messages,
	})
	if err != nil {
		return err
	}

	out, err := client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		if isBedrockThrottled(err) {
			return &KeyRateLimitedError{Key: apiKey}
		}
		return err
	}

	var resp bedrockResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return fmt.Errorf("llm adapter(bedrock): decoding envelope: %w", err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		text.WriteString(block.Text)
	}
	return decodeAndValidate([]byte(text.String()), target)
}

type bedrockRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []Message `json:"messages"`
}

type bedrockResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

func isBedrockThrottled(err error) bool {
	var throttling *bedrocktypes.ThrottlingException
	if ok := smithyAs(err, &throttling); ok {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if ok := smithyAs(err, &respErr); ok {
		return respErr.HTTPStatusCode() == 429
	}
	return strings.Contains(strings.ToLower(err.Error()), "throttl")
}

func smithyAs[T error](err error, target *T) bool {
	for err != nil {
		if e, ok := err.(T); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
