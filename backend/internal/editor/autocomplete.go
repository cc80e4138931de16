package editor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNoCompletion: the generation service produced nothing usable.
	// Callers treat it as "no suggestion available", never as a failure of
	// the editor itself.
	ErrNoCompletion = errors.New("NO_COMPLETION")
	// ErrCooldown: a suggestion was requested again too soon.
	ErrCooldown = errors.New("SUGGESTION_COOLDOWN")
)

// minContext is the least preceding text worth sending as a prompt.
const minContext = 5

// Generator is the narrow contract to the hosted generation service.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Autocompleter fetches completions and feeds them to the suggestion
// machine. Generation failures and timeouts degrade to "no suggestion";
// the machine stays idle and the editor keeps working.
type Autocompleter struct {
	gen      Generator
	machine  *Machine
	log      zerolog.Logger
	cooldown time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	lastAt time.Time
}

type AutocompleterOptions struct {
	// Cooldown throttles how often a new suggestion may be requested.
	Cooldown time.Duration
	// Timeout bounds the generation call; the editor never blocks past it.
	Timeout time.Duration
}

func NewAutocompleter(gen Generator, machine *Machine, log zerolog.Logger, opt AutocompleterOptions) *Autocompleter {
	if opt.Cooldown <= 0 {
		opt.Cooldown = time.Minute
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 5 * time.Second
	}
	return &Autocompleter{
		gen:      gen,
		machine:  machine,
		log:      log,
		cooldown: opt.Cooldown,
		timeout:  opt.Timeout,
	}
}

// Request fetches a completion for the text preceding pos and offers it as
// a pending span at pos. A pending span is resolved by the offer itself.
func (a *Autocompleter) Request(ctx context.Context, preceding string, pos int) error {
	if len([]rune(preceding)) < minContext {
		return ErrNoCompletion
	}

	a.mu.Lock()
	if time.Since(a.lastAt) < a.cooldown {
		a.mu.Unlock()
		return ErrCooldown
	}
	a.lastAt = time.Now()
	a.mu.Unlock()

	genCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	completion, err := a.gen.Generate(genCtx, preceding)
	if err != nil {
		a.log.Debug().Err(err).Msg("generation failed, no suggestion")
		return ErrNoCompletion
	}

	completion = sanitize(completion)
	if completion == "" {
		return ErrNoCompletion
	}
	return a.machine.Offer(pos, completion)
}

// sanitize strips control characters and replacement runes the generation
// service occasionally emits.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\t' {
			return -1
		}
		if (r >= 0x7f && r <= 0x9f) || r == '�' {
			return -1
		}
		return r
	}, s)
}
