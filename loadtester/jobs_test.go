package main

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobGeneratorText(t *testing.T) {
	g := &jobGenerator{rng: rand.New(rand.NewSource(1)), mix: MixText, maxSeconds: 5}

	for i := 0; i < 20; i++ {
		job, err := g.next()
		require.NoError(t, err)
		assert.Equal(t, "text", job.Kind)
		assert.NotEmpty(t, job.ID)

		var body map[string]any
		require.NoError(t, json.Unmarshal([]byte(job.Body), &body))
		assert.Contains(t, sampleTexts, body["text"])
		assert.NotContains(t, body, "seconds")
	}
}

func TestJobGeneratorSeconds(t *testing.T) {
	g := &jobGenerator{rng: rand.New(rand.NewSource(2)), mix: MixSeconds, maxSeconds: 3, missingRatio: 1}

	for i := 0; i < 50; i++ {
		job, err := g.next()
		require.NoError(t, err)
		assert.Empty(t, job.ID, "a missing ratio of 1 never sets an id")

		var body struct {
			Seconds *float64 `json:"seconds"`
		}
		require.NoError(t, json.Unmarshal([]byte(job.Body), &body))
		if body.Seconds != nil {
			assert.GreaterOrEqual(t, *body.Seconds, 0.0)
			assert.LessOrEqual(t, *body.Seconds, 3.5)
		}
	}
}

func TestJobGeneratorMixed(t *testing.T) {
	g := &jobGenerator{rng: rand.New(rand.NewSource(3)), mix: MixMixed, maxSeconds: 2}
	kinds := map[string]int{}
	for i := 0; i < 100; i++ {
		job, err := g.next()
		require.NoError(t, err)
		kinds[job.Kind]++
	}
	assert.Positive(t, kinds["text"])
	assert.Positive(t, kinds["seconds"])

	_, err := (&jobGenerator{rng: rand.New(rand.NewSource(4)), mix: "bulk"}).next()
	assert.Error(t, err)
}

func TestSendMessageInput(t *testing.T) {
	in := sendMessageInput("https://sqs.local/queue", outgoingJob{ID: "job-1", Body: `{"text":"hi"}`})
	assert.Equal(t, "https://sqs.local/queue", aws.ToString(in.QueueUrl))
	assert.Equal(t, `{"text":"hi"}`, aws.ToString(in.MessageBody))
	require.Contains(t, in.MessageAttributes, "id")
	assert.Equal(t, "job-1", aws.ToString(in.MessageAttributes["id"].StringValue))
	assert.Equal(t, "String", aws.ToString(in.MessageAttributes["id"].DataType))

	in = sendMessageInput("q", outgoingJob{Body: "{}"})
	assert.Empty(t, in.MessageAttributes)
}
