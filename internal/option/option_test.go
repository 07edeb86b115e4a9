package option_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/granarydbt/granary/internal/option"
)

func TestParsePlainFlag(t *testing.T) {
	s := option.Parse("--attach")
	v, ok := s.String("attach")
	require.True(t, ok)
	require.Equal(t, "", v)
}

func TestParseNameEqualsValue(t *testing.T) {
	s := option.Parse("--tools=bbcount")
	v, ok := s.String("tools")
	require.True(t, ok)
	require.Equal(t, "bbcount", v)
}

func TestParseLiteralValueWithSpaces(t *testing.T) {
	s := option.Parse("--tools=[bbcount pgo]")
	v, ok := s.String("tools")
	require.True(t, ok)
	require.Equal(t, "bbcount pgo", v)
}

func TestParseMultipleOptions(t *testing.T) {
	s := option.Parse("--tools=bbcount --attach --level=3")
	_, ok := s.String("tools")
	require.True(t, ok)
	_, ok = s.String("attach")
	require.True(t, ok)
	n, ok := s.Int("level")
	require.True(t, ok)
	require.Equal(t, 3, n)
}

func TestParseIgnoresUnrecognisedText(t *testing.T) {
	s := option.Parse("some junk --tools=bbcount more junk")
	v, ok := s.String("tools")
	require.True(t, ok)
	require.Equal(t, "bbcount", v)
}

func TestBoolPresenceOnlyIsTrue(t *testing.T) {
	s := option.Parse("--verbose")
	v, ok := s.Bool("verbose")
	require.True(t, ok)
	require.True(t, v)
}

func TestBoolExplicitValues(t *testing.T) {
	s := option.Parse("--verbose=0")
	v, ok := s.Bool("verbose")
	require.True(t, ok)
	require.False(t, v)
}

func TestBoolNoPrefixNegation(t *testing.T) {
	s := option.Parse("--no_verbose")
	v, ok := s.Bool("verbose")
	require.True(t, ok)
	require.False(t, v)
}

func TestBoolMissingIsNotOK(t *testing.T) {
	s := option.Parse("--tools=bbcount")
	_, ok := s.Bool("verbose")
	require.False(t, ok)
}

func TestBitMaskHexValue(t *testing.T) {
	s := option.Parse("--mask=0x7F")
	v, ok := s.BitMask("mask")
	require.True(t, ok)
	require.Equal(t, uint64(0x7F), v)
}

func TestUintValue(t *testing.T) {
	s := option.Parse("--count=42")
	v, ok := s.Uint("count")
	require.True(t, ok)
	require.Equal(t, uint64(42), v)
}

func TestFormatPlainTokensRoundTripThroughParse(t *testing.T) {
	line := option.Format([]string{"--attach", "--count=42"})
	require.Equal(t, "--attach --count=42", line)

	s := option.Parse(line)
	v, ok := s.Uint("count")
	require.True(t, ok)
	require.Equal(t, uint64(42), v)
}

func TestFormatWrapsValueContainingSpaceAsLiteral(t *testing.T) {
	line := option.Format([]string{"--tools=bb count,watchpoints"})
	require.Equal(t, "--tools=[bb count,watchpoints]", line)

	s := option.Parse(line)
	v, ok := s.String("tools")
	require.True(t, ok)
	require.Equal(t, "bb count,watchpoints", v)
}
