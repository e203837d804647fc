package coreg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sampleResult(id string, medianMM float64) SubjectResult {
	p := DefaultParameters()
	p.Translation = [3]float64{0.001, 0.002, 0.003}
	return SubjectResult{
		SubjectID:     id,
		Trans:         p.Trans(),
		Parameters:    p,
		Distances:     DistanceSummary{Count: 10, Median: medianMM, Mean: medianMM},
		ICPIterations: 20,
		FittedAt:      1700000000,
	}
}

func TestNewPublisher(t *testing.T) {
	p := NewPublisher(nil, "", nil)
	if p.prefix != DefaultTopicPrefix {
		t.Errorf("prefix = %q, want %q", p.prefix, DefaultTopicPrefix)
	}
	if p.qos != 1 || !p.retain {
		t.Errorf("qos, retain = %d, %v, want 1, true", p.qos, p.retain)
	}
	if len(p.Results()) != 0 {
		t.Error("new publisher should have no results")
	}
}

func TestPublisher_PublishResult(t *testing.T) {
	fake := newFakeClient(true)
	p := NewPublisher(fake, "lab", zaptest.NewLogger(t).Sugar())

	require.NoError(t, p.PublishResult(sampleResult("s02", 1.5)))
	require.NoError(t, p.PublishResult(sampleResult("s01", 2.5)))

	trans := fake.PublishedTo("lab/s02/trans")
	require.Len(t, trans, 1)
	assert.True(t, trans[0].Retain)
	assert.Equal(t, byte(1), trans[0].QoS)

	var got SubjectResult
	require.NoError(t, json.Unmarshal(trans[0].Payload, &got))
	assert.Equal(t, "s02", got.SubjectID)
	assert.Equal(t, FrameHead, got.Trans.From)
	assert.Equal(t, FrameMRI, got.Trans.To)
	assert.InDelta(t, 1.5, got.Distances.Median, 1e-12)

	combined := fake.PublishedTo("lab/results")
	require.Len(t, combined, 2)
	var last struct {
		Subjects  []SubjectResult `json:"subjects"`
		Timestamp int64           `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(combined[1].Payload, &last))
	require.Len(t, last.Subjects, 2)
	assert.Equal(t, "s01", last.Subjects[0].SubjectID)
	assert.Equal(t, "s02", last.Subjects[1].SubjectID)
	assert.NotZero(t, last.Timestamp)
}

func TestPublisher_ReplacesSubjectResult(t *testing.T) {
	fake := newFakeClient(true)
	p := NewPublisher(fake, "", nil)

	require.NoError(t, p.PublishResult(sampleResult("s01", 3)))
	require.NoError(t, p.PublishResult(sampleResult("s01", 1)))

	results := p.Results()
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Distances.Median, 1e-12)
	assert.Len(t, fake.PublishedTo(TransTopic(DefaultTopicPrefix, "s01")), 2)
}

func TestPublisher_Errors(t *testing.T) {
	t.Run("nil client", func(t *testing.T) {
		p := NewPublisher(nil, "", nil)
		assert.Error(t, p.PublishResult(sampleResult("s01", 1)))
	})

	t.Run("disconnected", func(t *testing.T) {
		p := NewPublisher(newFakeClient(false), "", nil)
		assert.Error(t, p.PublishResult(sampleResult("s01", 1)))
		assert.Empty(t, p.Results())
	})

	t.Run("publish failure", func(t *testing.T) {
		fake := newFakeClient(true)
		fake.publishErr = assert.AnError
		p := NewPublisher(fake, "", nil)
		err := p.PublishResult(sampleResult("s01", 1))
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestPublisher_SetQoSAndRetain(t *testing.T) {
	fake := newFakeClient(true)
	p := NewPublisher(fake, "", nil)
	p.SetQoS(0)
	p.SetQoS(7) // ignored
	p.SetRetain(false)

	require.NoError(t, p.PublishResult(sampleResult("s01", 1)))
	msgs := fake.Published()
	require.NotEmpty(t, msgs)
	assert.Equal(t, byte(0), msgs[0].QoS)
	assert.False(t, msgs[0].Retain)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "headmesh/s01/digitization", DigitizationTopic("headmesh", "s01"))
	assert.Equal(t, "headmesh/s01/trans", TransTopic("headmesh", "s01"))
	assert.Equal(t, "headmesh/results", ResultsTopic("headmesh"))
}
