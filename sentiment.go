package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/comprehend"
	comprehendtypes "github.com/aws/aws-sdk-go-v2/service/comprehend/types"
	"github.com/aws/smithy-go"
)

// stored in place of a classification when the service rejects the request
const sentimentErrorText = "Comprehend failed"

type comprehendAPI interface {
	DetectSentiment(ctx context.Context, params *comprehend.DetectSentimentInput, optFns ...func(*comprehend.Options)) (*comprehend.DetectSentimentOutput, error)
}

var _ comprehendAPI = (*comprehend.Client)(nil)

// SentimentDetector classifies the sentiment of a body of text.
type SentimentDetector interface {
	DetectSentiment(ctx context.Context, text string) (*SentimentResult, error)
}

type ComprehendDetector struct {
	api          comprehendAPI
	languageCode comprehendtypes.LanguageCode
}

var _ SentimentDetector = (*ComprehendDetector)(nil)

func NewComprehendDetector(api comprehendAPI, languageCode string) (*ComprehendDetector, error) {
	if api == nil {
		return nil, errors.New("sentiment: api must not be nil")
	}
	if languageCode == "" {
		languageCode = string(comprehendtypes.LanguageCodeEn)
	}
	return &ComprehendDetector{api: api, languageCode: comprehendtypes.LanguageCode(languageCode)}, nil
}

func (c *ComprehendDetector) DetectSentiment(ctx context.Context, text string) (*SentimentResult, error) {
	out, err := c.api.DetectSentiment(ctx, &comprehend.DetectSentimentInput{
		Text:         aws.String(text),
		LanguageCode: c.languageCode,
	})
	if err != nil {
		return nil, fmt.Errorf("sentiment: DetectSentiment: %w", err)
	}

	res := &SentimentResult{
		Sentiment: string(out.Sentiment),
		Scores:    map[string]float32{},
	}
	if s := out.SentimentScore; s != nil {
		res.Scores["Positive"] = aws.ToFloat32(s.Positive)
		res.Scores["Negative"] = aws.ToFloat32(s.Negative)
		res.Scores["Neutral"] = aws.ToFloat32(s.Neutral)
		res.Scores["Mixed"] = aws.ToFloat32(s.Mixed)
	}
	return res, nil
}

// isServiceError reports whether err is an error response from an AWS service,
// as opposed to a transport failure or a cancelled context.
func isServiceError(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr)
}
