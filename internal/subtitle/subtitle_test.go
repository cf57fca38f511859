package subtitle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/asr-gateway/internal/job"
)

func sampleResult() *job.Result {
	return &job.Result{
		Text: "hello world",
		Segments: []job.Segment{
			{ID: 0, Start: 0, End: 1.5, Text: "hello"},
			{ID: 1, Start: 1.5, End: 3.025, Text: "world"},
		},
	}
}

func TestRender_SRT(t *testing.T) {
	out, err := Render(sampleResult(), FormatSRT)
	require.NoError(t, err)
	assert.Contains(t, out, "00:00:00,000 --> 00:00:01,500")
	assert.Contains(t, out, "00:00:01,500 --> 00:00:03,025")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "world")
}

func TestRender_VTT(t *testing.T) {
	out, err := Render(sampleResult(), FormatVTT)
	require.NoError(t, err)
	assert.True(t, len(out) > 0 && out[:6] == "WEBVTT")
	assert.Contains(t, out, "00:00:00.000 --> 00:00:01.500")
}

func TestRender_NoResult(t *testing.T) {
	_, err := Render(nil, FormatSRT)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestRender_UnsupportedFormat(t *testing.T) {
	_, err := Render(sampleResult(), "ass")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestRoundTrip_SRT(t *testing.T) {
	result := sampleResult()
	rendered, err := Render(result, FormatSRT)
	require.NoError(t, err)

	parsed, err := ParseSRT(rendered)
	require.NoError(t, err)
	require.Len(t, parsed, len(result.Segments))

	for i, seg := range result.Segments {
		assert.InDelta(t, seg.Start, parsed[i].Start, 0.001)
		assert.InDelta(t, seg.End, parsed[i].End, 0.001)
		assert.Equal(t, seg.Text, parsed[i].Text)
	}
}
