package logging_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cans/internal/logging"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := logging.New("debug", "json", &buf)
	require.NoError(t, err)
	l.WithField("peer", "abc").Debug("hello")
	assert.Contains(t, buf.String(), `"peer":"abc"`)
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l, err := logging.New("WARN", "text", &buf)
	require.NoError(t, err)
	l.Info("quiet")
	assert.Empty(t, buf.String())
}

func TestNew_Invalid(t *testing.T) {
	_, err := logging.New("chatty", "text", &bytes.Buffer{})
	assert.Error(t, err)
	_, err = logging.New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}
