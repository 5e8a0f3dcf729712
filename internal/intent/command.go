// Package intent turns free text into a structured Command.
//
// Command is a closed set: every variant lives in this package and carries
// an unexported marker method, so a type switch over Command can be checked
// for completeness and nothing outside the package can add a case.
package intent

import "errors"

// ErrUnhandledCommand is returned by a dispatcher that meets a Command
// variant it has no case for.
var ErrUnhandledCommand = errors.New("unhandled command variant")

// Command is one structured request.
type Command interface {
	// Operation names the variant for logs and history.
	Operation() string
	command()
}

// GetPokemon looks up one Pokémon's data resource.
type GetPokemon struct {
	Name string
}

// SimulateBattle runs the battle tool between two Pokémon.
type SimulateBattle struct {
	First  string
	Second string
}

// TypeEffectiveness asks how effective one type is against another.
type TypeEffectiveness struct {
	Attacking string
	Defending string
}

// WeakAgainst asks which attacking types are super-effective against a
// defending type. Answered by a fan-out.
type WeakAgainst struct {
	Defending string
}

// ListMoves lists a Pokémon's moves. Limit zero means the server default.
type ListMoves struct {
	Name  string
	Limit int
}

// ListPokemon lists the known Pokémon.
type ListPokemon struct{}

// ListTypes lists the elemental types.
type ListTypes struct{}

// ListTools lists the server's tools.
type ListTools struct{}

// History shows the session's past questions.
type History struct{}

// Help shows usage.
type Help struct{}

func (GetPokemon) Operation() string        { return "get_pokemon" }
func (SimulateBattle) Operation() string    { return "simulate_battle" }
func (TypeEffectiveness) Operation() string { return "type_effectiveness" }
func (WeakAgainst) Operation() string       { return "weak_against" }
func (ListMoves) Operation() string         { return "list_moves" }
func (ListPokemon) Operation() string       { return "list_pokemon" }
func (ListTypes) Operation() string         { return "list_types" }
func (ListTools) Operation() string         { return "list_tools" }
func (History) Operation() string           { return "history" }
func (Help) Operation() string              { return "help" }

func (GetPokemon) command()        {}
func (SimulateBattle) command()    {}
func (TypeEffectiveness) command() {}
func (WeakAgainst) command()       {}
func (ListMoves) command()         {}
func (ListPokemon) command()       {}
func (ListTypes) command()         {}
func (ListTools) command()         {}
func (History) command()           {}
func (Help) command()              {}
