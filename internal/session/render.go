package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"pokenerd/internal/cache"
	"pokenerd/internal/fanout"
	"pokenerd/internal/intent"
	"pokenerd/internal/jsonrpc"
	"pokenerd/internal/pokemon"
	"pokenerd/internal/ui"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

const helpMarkdown = `# pokenerd

Ask about Pokémon in plain English:

| Ask | Example |
|---|---|
| Look one up | ` + "`tell me about pikachu`" + ` |
| Simulate a battle | ` + "`battle charizard vs blastoise`" + ` |
| Type matchup | ` + "`is fire effective against grass`" + ` |
| Weaknesses | ` + "`what is water weak against`" + ` |
| Moves | ` + "`moves for gengar 5`" + ` |
| Lists | ` + "`list pokemon`" + `, ` + "`list types`" + `, ` + "`tools`" + ` |
| Past questions | ` + "`history`" + ` |

Type ` + "`quit`" + ` or ` + "`exit`" + ` to leave.
`

// Renderer turns results and failures into console text. Each failure kind
// renders differently so a missing Pokémon never looks like a dead server.
type Renderer struct {
	styles ui.Styles
	md     *glamour.TermRenderer
}

// NewRenderer styles output for w when w is a terminal and falls back to
// plain text otherwise.
func NewRenderer(w io.Writer) *Renderer {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return NewPlainRenderer()
	}
	width := 80
	if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 20 {
		width = cols
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-4),
	)
	if err != nil {
		md = nil
	}
	return &Renderer{styles: ui.DefaultStyles(), md: md}
}

// NewPlainRenderer renders without color or markdown styling.
func NewPlainRenderer() *Renderer {
	return &Renderer{styles: ui.PlainStyles()}
}

// Prompt is printed before each line of input.
func (r *Renderer) Prompt() string {
	return r.styles.Prompt.Render("pokenerd>") + " "
}

// Banner greets the user.
func (r *Renderer) Banner(server string) string {
	line := r.styles.Title.Render("pokenerd") + r.styles.Muted.Render(" connected to "+server)
	return line + "\n" + r.styles.Muted.Render("Type 'help' for examples, 'quit' to leave.") + "\n" + r.styles.RenderDivider(48)
}

func (r *Renderer) markdown(md string) string {
	if r.md == nil {
		return strings.TrimRight(md, "\n")
	}
	out, err := r.md.Render(md)
	if err != nil {
		return strings.TrimRight(md, "\n")
	}
	return strings.TrimRight(out, "\n")
}

// block frames server text. Plain output passes it through untouched.
func (r *Renderer) block(text string) string {
	if r.styles.Plain() {
		return text
	}
	return r.styles.Response.Render(text)
}

// Help renders usage.
func (r *Renderer) Help() string {
	return r.markdown(helpMarkdown)
}

// NoMatch answers input the classifier could not place.
func (r *Renderer) NoMatch(text string) string {
	return r.styles.Warning.Render("I didn't understand ") + strconv.Quote(text) +
		r.styles.Muted.Render(". Try 'help' for examples.")
}

// Pokemon renders a data resource. JSON profiles get a stats table; any
// other text is shown unmodified.
func (r *Renderer) Pokemon(name, text string) string {
	p, ok := pokemon.ParseProfile(text)
	if !ok {
		return r.block(text)
	}

	var sb strings.Builder
	title := strings.ToUpper(p.Name[:1]) + p.Name[1:]
	if p.ID > 0 {
		title = fmt.Sprintf("#%03d %s", p.ID, title)
	}
	sb.WriteString(r.styles.Title.Render(title))
	for _, t := range p.Types {
		sb.WriteString(" " + r.styles.TypeBadge(t))
	}
	sb.WriteString("\n")

	if len(p.Abilities) > 0 {
		sb.WriteString(r.styles.Bold.Render("Abilities: ") + strings.Join(p.Abilities, ", ") + "\n")
	}
	if len(p.Stats) > 0 {
		table := ui.NewSimpleTable("", "Stat", "Base")
		for _, s := range p.Stats {
			table.AddRow(s.Name, strconv.Itoa(s.Value))
		}
		table.AddRow("total", strconv.Itoa(p.Total()))
		sb.WriteString(table.View(r.styles))
	}
	if len(p.Evolution) > 1 {
		sb.WriteString(r.styles.Bold.Render("Evolution: ") + strings.Join(p.Evolution, " → ") + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Battle renders the battle tool's report.
func (r *Renderer) Battle(first, second, text string) string {
	return r.styles.Title.Render(first+" vs "+second) + "\n" + r.block(text)
}

// Moves renders the move-list tool's report.
func (r *Renderer) Moves(name, text string) string {
	return r.styles.Title.Render("Moves of "+name) + "\n" + r.block(text)
}

func verdict(m float64) string {
	switch {
	case m == 0:
		return "no effect"
	case m < 1:
		return "not very effective"
	case m > 1:
		return "super effective"
	default:
		return "normal damage"
	}
}

// Effectiveness renders one matchup.
func (r *Renderer) Effectiveness(e *pokemon.Effectiveness) string {
	line := fmt.Sprintf("%s → %s: %gx (%s)",
		r.styles.TypeBadge(e.Attacking), r.styles.TypeBadge(e.Defending), e.Multiplier, verdict(e.Multiplier))
	if e.Multiplier > 1 {
		return r.styles.Success.Render(line)
	}
	return line
}

// Weakness renders a fan-out aggregate, listing failed sub-queries when
// the result is partial.
func (r *Renderer) Weakness(defender string, res *fanout.Result[[]string]) string {
	var sb strings.Builder
	sb.WriteString(r.styles.Title.Render(defender + " is weak against"))
	sb.WriteString("\n")
	if len(res.Value) == 0 {
		sb.WriteString(r.styles.Muted.Render("nothing super-effective among the answered types"))
	} else {
		badges := make([]string, len(res.Value))
		for i, t := range res.Value {
			badges[i] = r.styles.TypeBadge(t)
		}
		sb.WriteString(strings.Join(badges, " "))
	}

	if res.Partial() {
		sb.WriteString("\n")
		sb.WriteString(r.styles.Warning.Render(fmt.Sprintf("Partial answer: %d of %d matchups failed",
			len(res.Failed), len(res.Failed)+res.Succeeded)))
		for _, f := range res.Failed {
			sb.WriteString("\n  " + f.Key + ": " + r.describe(f.Err))
		}
	}
	return sb.String()
}

// List renders a titled list of names.
func (r *Renderer) List(title string, names []string) string {
	if len(names) == 0 {
		return r.styles.Muted.Render(title + ": none")
	}
	return r.styles.Title.Render(fmt.Sprintf("%s (%d)", title, len(names))) + "\n" + strings.Join(names, ", ")
}

// Types renders the elemental types as badges.
func (r *Renderer) Types(types []string) string {
	badges := make([]string, len(types))
	for i, t := range types {
		badges[i] = r.styles.TypeBadge(t)
	}
	return r.styles.Title.Render("Types") + "\n" + strings.Join(badges, " ")
}

// Tools renders the server's tool list.
func (r *Renderer) Tools(tools []pokemon.Tool) string {
	if len(tools) == 0 {
		return r.styles.Muted.Render("The server advertises no tools.")
	}
	table := ui.NewSimpleTable("Tools", "Name", "Description")
	for _, t := range tools {
		table.AddRow(t.Name, t.Description)
	}
	return strings.TrimRight(table.View(r.styles), "\n")
}

// History renders past questions.
func (r *Renderer) History(entries []cache.Entry) string {
	if len(entries) == 0 {
		return r.styles.Muted.Render("No questions yet.")
	}
	table := ui.NewSimpleTable("History", "Time", "Question", "Operation", "Outcome")
	for _, e := range entries {
		table.AddRow(e.At.Local().Format("15:04:05"), e.Query, e.Operation, e.Outcome)
	}
	return strings.TrimRight(table.View(r.styles), "\n")
}

// Error renders a failure by kind.
func (r *Renderer) Error(err error) string {
	return r.styles.Error.Render(r.describe(err))
}

func (r *Renderer) describe(err error) string {
	var (
		allFailed *fanout.AllFailedError
		remote    *jsonrpc.RemoteError
		timeout   *jsonrpc.TimeoutError
		transport *jsonrpc.TransportError
		protocol  *jsonrpc.ProtocolError
	)
	switch {
	case errors.As(err, &allFailed):
		lines := []string{fmt.Sprintf("All %d %s sub-queries failed:", len(allFailed.Failures), allFailed.Method)}
		for _, f := range allFailed.Failures {
			lines = append(lines, "  "+f.Key+": "+r.describe(f.Err))
		}
		return strings.Join(lines, "\n")
	case errors.As(err, &remote):
		return "The server said: " + remote.Message
	case errors.As(err, &timeout):
		return fmt.Sprintf("Timed out after %s waiting for the server.", timeout.After)
	case errors.Is(err, jsonrpc.ErrConnectionClosed):
		return "The connection to the server closed."
	case errors.As(err, &transport):
		return "Server unreachable: " + transport.Error()
	case errors.As(err, &protocol):
		return "The server sent a reply I could not read: " + protocol.Error()
	case errors.Is(err, intent.ErrUnhandledCommand):
		return "Internal error: " + err.Error()
	default:
		return "Error: " + err.Error()
	}
}
