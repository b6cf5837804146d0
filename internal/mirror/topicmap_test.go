package mirror

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopicMapping(t *testing.T) {
	input := strings.Join([]string{
		"source.topic.a dest.topic.a",
		"",
		"  source.topic.b   dest.topic.b  ",
		"this line has way too many fields in it",
		"onefield",
	}, "\n")

	m, err := parseTopicMapping(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, "dest.topic.a", m["source.topic.a"])
	assert.Equal(t, "dest.topic.b", m["source.topic.b"])
	assert.Len(t, m, 2)
}

func TestTopicMappingLookupFallsBackToIdentity(t *testing.T) {
	m := TopicMapping{"a": "b"}
	assert.Equal(t, "b", m.Lookup("a"))
	assert.Equal(t, "unmapped", m.Lookup("unmapped"))
}
