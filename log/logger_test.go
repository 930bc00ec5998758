package log

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(level logrus.Level, filter *regexp.Regexp, debugOverride bool) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return New(l, debugOverride, filter), &buf
}

func TestLoggerLevels(t *testing.T) {
	t.Parallel()

	l, buf := newTestLogger(logrus.InfoLevel, nil, false)
	l.Debugf("Tracker:HandleNavigation", "hidden %d", 1)
	assert.Empty(t, buf.String())

	l.Infof("Tracker:HandleNavigation", "shown %d", 2)
	assert.Contains(t, buf.String(), "shown 2")
	assert.Contains(t, buf.String(), "category=\"Tracker:HandleNavigation\"")
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	l, buf := newTestLogger(logrus.DebugLevel, regexp.MustCompile("^PageValues"), false)
	l.Debugf("Tracker:HandleNavigation", "filtered")
	assert.Empty(t, buf.String())

	l.Debugf("PageValues:Click", "kept")
	assert.Contains(t, buf.String(), "kept")

	require.NoError(t, l.SetCategoryFilter(""))
	l.Debugf("Tracker:HandleNavigation", "unfiltered")
	assert.Contains(t, buf.String(), "unfiltered")

	assert.Error(t, l.SetCategoryFilter("("))
}

func TestLoggerDebugOverride(t *testing.T) {
	t.Parallel()

	l, buf := newTestLogger(logrus.InfoLevel, nil, true)
	assert.True(t, l.DebugMode())
	l.Debugf("Bridge:serve", "override")
	assert.Contains(t, buf.String(), "override")
}

func TestLoggerSetLevel(t *testing.T) {
	t.Parallel()

	l, _ := newTestLogger(logrus.InfoLevel, nil, false)
	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, l.DebugMode())
	assert.Error(t, l.SetLevel("loud"))
}

func TestNullLogger(t *testing.T) {
	t.Parallel()

	l := NullLogger()
	assert.NotPanics(t, func() { l.Errorf("x", "y") })

	var nilLogger *Logger
	assert.NotPanics(t, func() { nilLogger.Debugf("x", "y") })
}
