package tools

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeOptionsWeaklyTyped(t *testing.T) {
	var out struct {
		HighThreshold int           `mapstructure:"high_threshold"`
		IgnoreUnfixed bool          `mapstructure:"ignore_unfixed"`
		PollInterval  time.Duration `mapstructure:"poll_interval"`
		Severity      string        `mapstructure:"severity"`
	}
	err := DecodeOptions(Options{
		"high_threshold": "7",
		"ignore_unfixed": "true",
		"poll_interval":  "3s",
		"severity":       "CRITICAL",
		"unrelated":      1,
	}, &out)
	require.NoError(t, err)
	require.Equal(t, 7, out.HighThreshold)
	require.True(t, out.IgnoreUnfixed)
	require.Equal(t, 3*time.Second, out.PollInterval)
	require.Equal(t, "CRITICAL", out.Severity)
}

func TestDecodeOptionsRejectsWrongShape(t *testing.T) {
	var out struct {
		HighThreshold int `mapstructure:"high_threshold"`
	}
	require.Error(t, DecodeOptions(Options{"high_threshold": []string{"x"}}, &out))
}

func TestTargetValidate(t *testing.T) {
	require.Error(t, Target{}.Validate())
	require.NoError(t, Target{Path: "/tmp/src"}.Validate())
	require.NoError(t, Target{Image: "alpine:3"}.Validate())
}

func TestExitCodeOfNonProcessError(t *testing.T) {
	require.Equal(t, -1, ExitCode(errors.New("boom")))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", Truncate(" abc ", 5))
	require.Equal(t, "ab...", Truncate("abcdef", 2))
}
