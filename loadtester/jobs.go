package main

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/xid"
)

// which kind of job body the producer sends
type JobMix string

const (
	MixText    JobMix = "text"
	MixSeconds JobMix = "seconds"
	MixMixed   JobMix = "mixed"
)

type jobBody struct {
	Text    string   `json:"text,omitempty"`
	Seconds *float64 `json:"seconds,omitempty"`
}

// a job ready to be sent, kind is "text" or "seconds"
type outgoingJob struct {
	ID   string // empty sends the message without an id attribute
	Kind string
	Body string
}

var sampleTexts = []string{
	"I absolutely love how fast this arrived, great service!",
	"The package was damaged and support never answered my emails.",
	"The meeting has been moved to Thursday at 10am.",
	"Food was great but the wait was far too long.",
	"Thanks for the quick fix, everything works now.",
	"This is the worst update you have ever shipped.",
	"Order 1234 has been dispatched.",
	"Not sure how I feel about the new layout, some parts are nice.",
}

type jobGenerator struct {
	rng          *rand.Rand
	mix          JobMix
	maxSeconds   int
	missingRatio float64
}

func (g *jobGenerator) next() (outgoingJob, error) {
	kind := string(g.mix)
	if g.mix == MixMixed {
		kind = string(MixText)
		if g.rng.Intn(2) == 0 {
			kind = string(MixSeconds)
		}
	}

	var body jobBody
	switch kind {
	case string(MixText):
		body.Text = sampleTexts[g.rng.Intn(len(sampleTexts))]
	case string(MixSeconds):
		// whole seconds mostly, the odd fractional delay
		s := float64(g.rng.Intn(g.maxSeconds + 1))
		if g.rng.Intn(4) == 0 {
			s += 0.5
		}
		body.Seconds = &s
	default:
		return outgoingJob{}, fmt.Errorf("unknown job mix %q", g.mix)
	}

	b, err := json.Marshal(body)
	if err != nil {
		return outgoingJob{}, fmt.Errorf("marshal job body: %w", err)
	}

	job := outgoingJob{Kind: kind, Body: string(b)}
	if g.rng.Float64() >= g.missingRatio {
		job.ID = xid.New().String()
	}
	return job, nil
}

// sendMessageInput attaches the job id as a String message attribute, the
// worker reads it from there and never from the body
func sendMessageInput(queueURL string, job outgoingJob) *sqs.SendMessageInput {
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(job.Body),
	}
	if job.ID != "" {
		in.MessageAttributes = map[string]types.MessageAttributeValue{
			"id": {DataType: aws.String("String"), StringValue: aws.String(job.ID)},
		}
	}
	return in
}
