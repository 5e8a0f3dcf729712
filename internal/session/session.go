// Package session runs the interactive loop: read a line, classify it,
// dispatch the Command to the Pokémon client and render the outcome.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"pokenerd/internal/cache"
	"pokenerd/internal/fanout"
	"pokenerd/internal/intent"
	"pokenerd/internal/jsonrpc"
	"pokenerd/internal/logging"
	"pokenerd/internal/pokemon"

	"github.com/google/uuid"
)

// Pokedex is the part of the Pokémon client the session dispatches to.
type Pokedex interface {
	GetPokemon(ctx context.Context, name string) (string, error)
	SimulateBattle(ctx context.Context, first, second string) (string, error)
	TypeEffectiveness(ctx context.Context, attacker, defender string) (*pokemon.Effectiveness, error)
	WeakAgainst(ctx context.Context, defender string) (*fanout.Result[[]string], error)
	ListMoves(ctx context.Context, name string, limit int) (string, error)
	ListPokemon(ctx context.Context) ([]string, error)
	ListTools(ctx context.Context) ([]pokemon.Tool, error)
}

var _ Pokedex = (*pokemon.Client)(nil)

// historyLimit is how many past questions the history command shows.
const historyLimit = 20

// Session is one conversation with the server.
type Session struct {
	id         string
	dex        Pokedex
	classifier intent.Classifier
	types      []string
	history    cache.History
	render     *Renderer
	server     string
	now        func() time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithHistory records every handled question in h.
func WithHistory(h cache.History) Option {
	return func(s *Session) {
		if h != nil {
			s.history = h
		}
	}
}

// WithRenderer replaces the plain renderer.
func WithRenderer(r *Renderer) Option {
	return func(s *Session) {
		if r != nil {
			s.render = r
		}
	}
}

// WithID fixes the session id. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithServerName names the server in the banner.
func WithServerName(name string) Option {
	return func(s *Session) {
		s.server = name
	}
}

// New creates a Session.
func New(dex Pokedex, classifier intent.Classifier, opts ...Option) *Session {
	s := &Session{
		id:         uuid.NewString(),
		dex:        dex,
		classifier: classifier,
		types:      pokemon.Types,
		history:    cache.Nop{},
		render:     NewPlainRenderer(),
		server:     "the Pokémon server",
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	logging.SetAuditSession(s.id)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Run reads lines from in until EOF, "quit" or "exit", or until ctx is
// done, and writes each answer to out.
func (s *Session) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	log := logging.Get(logging.CategorySession)
	log.Info("Session %s started", s.id)
	defer log.Info("Session %s ended", s.id)

	fmt.Fprintln(out, s.render.Banner(s.server))

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for {
		fmt.Fprint(out, s.render.Prompt())
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if isQuit(line) {
			fmt.Fprintln(out, "Bye!")
			return nil
		}
		fmt.Fprintln(out, s.Handle(ctx, line))
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func isQuit(line string) bool {
	switch strings.ToLower(line) {
	case "quit", "exit", "q", ":q":
		return true
	}
	return false
}

// Handle answers one line of input. It never fails; failures are rendered.
func (s *Session) Handle(ctx context.Context, line string) string {
	cmd, ok := s.classifier.Classify(line)
	if !ok {
		s.record(ctx, line, "unknown", "no_match")
		return s.render.NoMatch(line)
	}

	start := s.now()
	answer, err := s.Execute(ctx, cmd)
	took := s.now().Sub(start)

	outcome := jsonrpc.Kind(err)
	if err == nil {
		if p, ok := answer.(partial); ok && p.Partial() {
			outcome = "partial"
		}
	}
	logging.Audit().Turn(cmd.Operation(), took, outcome)
	logging.Get(logging.CategorySession).Debug("%s %+v -> %s in %s", cmd.Operation(), cmd, outcome, took)

	if _, isHistory := cmd.(intent.History); !isHistory {
		s.record(ctx, line, cmd.Operation(), outcome)
	}

	if err != nil {
		return s.render.Error(err)
	}
	return answer.String()
}

func (s *Session) record(ctx context.Context, query, op, outcome string) {
	err := s.history.Append(ctx, cache.Entry{
		SessionID: s.id,
		Query:     query,
		Operation: op,
		Outcome:   outcome,
		At:        s.now(),
	})
	if err != nil {
		logging.Get(logging.CategorySession).Warn("Could not record history: %v", err)
	}
}

// Answer is a rendered result.
type Answer interface {
	String() string
}

type reply string

func (r reply) String() string { return string(r) }

type partial interface {
	Partial() bool
}

// weakness keeps the fan-out result next to its rendering so Handle can
// tell a partial answer from a complete one.
type weakness struct {
	rendered string
	result   *fanout.Result[[]string]
}

func (w weakness) String() string { return w.rendered }
func (w weakness) Partial() bool  { return w.result.Partial() }

// Execute dispatches cmd. Every Command variant has a case; a variant
// without one yields ErrUnhandledCommand.
func (s *Session) Execute(ctx context.Context, cmd intent.Command) (Answer, error) {
	switch c := cmd.(type) {
	case intent.GetPokemon:
		data, err := s.dex.GetPokemon(ctx, c.Name)
		if err != nil {
			return nil, err
		}
		return reply(s.render.Pokemon(c.Name, data)), nil

	case intent.SimulateBattle:
		report, err := s.dex.SimulateBattle(ctx, c.First, c.Second)
		if err != nil {
			return nil, err
		}
		return reply(s.render.Battle(c.First, c.Second, report)), nil

	case intent.TypeEffectiveness:
		eff, err := s.dex.TypeEffectiveness(ctx, c.Attacking, c.Defending)
		if err != nil {
			return nil, err
		}
		return reply(s.render.Effectiveness(eff)), nil

	case intent.WeakAgainst:
		res, err := s.dex.WeakAgainst(ctx, c.Defending)
		if err != nil {
			return nil, err
		}
		return weakness{rendered: s.render.Weakness(c.Defending, res), result: res}, nil

	case intent.ListMoves:
		moves, err := s.dex.ListMoves(ctx, c.Name, c.Limit)
		if err != nil {
			return nil, err
		}
		return reply(s.render.Moves(c.Name, moves)), nil

	case intent.ListPokemon:
		names, err := s.dex.ListPokemon(ctx)
		if err != nil {
			return nil, err
		}
		return reply(s.render.List("Pokémon", names)), nil

	case intent.ListTypes:
		return reply(s.render.Types(s.types)), nil

	case intent.ListTools:
		tools, err := s.dex.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		return reply(s.render.Tools(tools)), nil

	case intent.History:
		entries, err := s.history.Recent(ctx, s.id, historyLimit)
		if err != nil {
			return nil, err
		}
		return reply(s.render.History(entries)), nil

	case intent.Help:
		return reply(s.render.Help()), nil

	default:
		return nil, fmt.Errorf("%w: %T", intent.ErrUnhandledCommand, cmd)
	}
}
