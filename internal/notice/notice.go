// Package notice renders the texts a list sends back to people: rejection
// notices for refused requests and the owner's auto-discard notification.
// Templates are Liquid; a site can override any of them by dropping a
// <name>.liquid file into the configured templates directory.
package notice

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/osteele/liquid"
)

// WrapColumn is the column body text is wrapped at before sending.
const WrapColumn = 70

// Built-in template names.
const (
	// Refuse is the notice sent when a moderator rejects a pending
	// request.
	Refuse = "refuse"
	// NonmemberRejected is the default notice for a non-member post
	// rejected by list policy, used when the list carries no custom text.
	NonmemberRejected = "nonmember-rejected"
	// AutoDiscard is the owner notification for automatically discarded
	// non-member posts.
	AutoDiscard = "autodiscard"
)

var builtins = map[string]string{
	Refuse: `Your request to the {{ listname }} mailing list

    {{ request }}

has been rejected by the list moderator.  The moderator gave the
following reason for rejecting your request:

"{{ reason }}"

Any questions or comments should be directed to the list administrator
at:

    {{ owner }}`,

	NonmemberRejected: `You are not allowed to post to this mailing list, and your message has
been automatically rejected.  If you think that your messages are
being rejected in error, contact the mailing list owner at
{{ owner }}.`,

	AutoDiscard: `The attached message has been automatically discarded.`,
}

// Renderer renders named notices. The zero value is not usable; use New.
type Renderer struct {
	dir    string
	engine *liquid.Engine
}

// New returns a Renderer. dir may be empty, in which case only the built-in
// templates are available; otherwise <dir>/<name>.liquid overrides a
// built-in of the same name.
func New(dir string) *Renderer {
	return &Renderer{dir: dir, engine: liquid.NewEngine()}
}

// Render renders the named notice with the given bindings, wrapped at
// WrapColumn. Unknown names are an error.
func (r *Renderer) Render(name string, vars map[string]interface{}) (string, error) {
	src, err := r.source(name)
	if err != nil {
		return "", err
	}
	out, err := r.engine.ParseAndRenderString(src, liquid.Bindings(vars))
	if err != nil {
		return "", fmt.Errorf("notice: rendering %q: %w", name, err)
	}
	return Wrap(out, WrapColumn), nil
}

// RenderString renders a caller-supplied template, for lists carrying their
// own rejection text.
func (r *Renderer) RenderString(src string, vars map[string]interface{}) (string, error) {
	out, err := r.engine.ParseAndRenderString(src, liquid.Bindings(vars))
	if err != nil {
		return "", fmt.Errorf("notice: rendering custom text: %w", err)
	}
	return Wrap(out, WrapColumn), nil
}

func (r *Renderer) source(name string) (string, error) {
	if r.dir != "" {
		data, err := os.ReadFile(filepath.Join(r.dir, name+".liquid"))
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("notice: reading template %q: %w", name, err)
		}
	}
	src, ok := builtins[name]
	if !ok {
		return "", fmt.Errorf("notice: no template named %q", name)
	}
	return src, nil
}

// Wrap re-wraps text at the given column. Paragraphs are separated by blank
// lines; paragraphs whose first line is indented are left untouched, so
// quoted material and addresses survive.
func Wrap(text string, column int) string {
	paragraphs := strings.Split(text, "\n\n")
	out := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		if p == "" || startsIndented(p) {
			out = append(out, p)
			continue
		}
		out = append(out, wrapParagraph(p, column))
	}
	return strings.Join(out, "\n\n")
}

func startsIndented(p string) bool {
	return strings.HasPrefix(p, " ") || strings.HasPrefix(p, "\t")
}

func wrapParagraph(p string, column int) string {
	words := strings.Fields(p)
	if len(words) == 0 {
		return p
	}
	var b strings.Builder
	lineLen := 0
	for i, w := range words {
		switch {
		case i == 0:
			b.WriteString(w)
			lineLen = len(w)
		case lineLen+1+len(w) > column:
			b.WriteByte('\n')
			b.WriteString(w)
			lineLen = len(w)
		default:
			b.WriteByte(' ')
			b.WriteString(w)
			lineLen += 1 + len(w)
		}
	}
	return b.String()
}
