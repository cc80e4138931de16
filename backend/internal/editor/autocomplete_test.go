package editor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	text  string
	err   error
	calls int
}

func (g *fakeGenerator) Generate(_ context.Context, _ string) (string, error) {
	g.calls++
	return g.text, g.err
}

func newAutocompleter(gen Generator, buf TextBuffer) (*Autocompleter, *Machine) {
	m := NewMachine(buf, nil)
	a := NewAutocompleter(gen, m, zerolog.Nop(), AutocompleterOptions{
		Cooldown: 10 * time.Millisecond,
		Timeout:  time.Second,
	})
	return a, m
}

func TestRequestOffersCompletion(t *testing.T) {
	buf := &stringBuffer{runes: []rune("The quick ")}
	gen := &fakeGenerator{text: "brown fox"}
	a, m := newAutocompleter(gen, buf)

	require.NoError(t, a.Request(context.Background(), "The quick ", 10))
	require.True(t, m.Pending())
	require.Equal(t, "The quick brown fox", buf.String())
}

func TestRequestGenerationFailureLeavesIdle(t *testing.T) {
	buf := &stringBuffer{runes: []rune("The quick ")}
	gen := &fakeGenerator{err: errors.New("upstream 503")}
	a, m := newAutocompleter(gen, buf)

	require.ErrorIs(t, a.Request(context.Background(), "The quick ", 10), ErrNoCompletion)
	require.False(t, m.Pending())
	require.Equal(t, "The quick ", buf.String())
}

func TestRequestShortContextSkipsGeneration(t *testing.T) {
	buf := &stringBuffer{runes: []rune("Hi")}
	gen := &fakeGenerator{text: "there"}
	a, _ := newAutocompleter(gen, buf)

	require.ErrorIs(t, a.Request(context.Background(), "Hi", 2), ErrNoCompletion)
	require.Zero(t, gen.calls)
}

func TestRequestCooldown(t *testing.T) {
	buf := &stringBuffer{runes: []rune("The quick ")}
	gen := &fakeGenerator{text: "brown fox"}
	a, m := newAutocompleter(gen, buf)

	require.NoError(t, a.Request(context.Background(), "The quick ", 10))
	require.ErrorIs(t, a.Request(context.Background(), "The quick ", 10), ErrCooldown)
	require.Equal(t, 1, gen.calls)

	require.NoError(t, m.Decline())
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, a.Request(context.Background(), "The quick ", 10))
}

func TestSanitizeStripsControlRunes(t *testing.T) {
	require.Equal(t, "ok\nline\ttab", sanitize("ok\x00\nline\t\x1btab"))
	require.Equal(t, "plain", sanitize("plain�"))
	require.Equal(t, "", sanitize("\x01\x02\x7f"))
}
