// Package nvimhost exposes the previewer to Neovim as a remote plugin:
// editor functions for each command and autocmds feeding the preview
// auto-close hub.
package nvimhost

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/neovim/go-client/nvim"
	"github.com/neovim/go-client/nvim/plugin"
	"github.com/sourcegraph/conc"

	"regexrailroad/internal/dispatch"
	rrerrors "regexrailroad/internal/errors"
	"regexrailroad/internal/logging"
	"regexrailroad/internal/preview"
)

// Group is the augroup all autocmds are registered under.
const Group = "RegexRailroad"

// contextEval is evaluated by the editor on every call so handlers know
// which buffer and window the command came from.
const contextEval = "{'file': expand('%:p'), 'buf': bufnr('%'), 'win': win_getid()}"

// baseEvents are always registered; the configured set decides which of
// them actually dismiss previews.
var baseEvents = []string{"CursorMoved", "CursorMovedI", "BufEnter", "WinEnter", "InsertEnter", "BufLeave", "WinLeave"}

type editorContext struct {
	File   string `msgpack:"file"`
	Buffer int    `msgpack:"buf"`
	Window int    `msgpack:"win"`
}

// key identifies the buffer a command came from. Unnamed buffers are
// keyed by number.
func (c *editorContext) key() string {
	if c.File != "" {
		return c.File
	}
	return fmt.Sprintf("buffer:%d", c.Buffer)
}

func (c *editorContext) request(text string) dispatch.Request {
	return dispatch.Request{
		Key:      c.key(),
		Filename: c.File,
		Text:     text,
		Origin:   preview.SurfaceID(c.Window),
	}
}

// Host binds editor calls to the dispatcher.
type Host struct {
	v          *nvim.Nvim
	dispatcher *dispatch.Dispatcher
	previews   *preview.Manager
	logger     *logging.Logger

	inflight conc.WaitGroup
}

// New creates a host.
func New(v *nvim.Nvim, dispatcher *dispatch.Dispatcher, previews *preview.Manager, logger *logging.Logger) *Host {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Host{
		v:          v,
		dispatcher: dispatcher,
		previews:   previews,
		logger:     logger,
	}
}

// Register installs the editor functions and autocmds. events is the
// configured auto-close set; it is merged with the base events so later
// config reloads can pick among them.
func (h *Host) Register(p *plugin.Plugin, events []string) {
	p.HandleFunction(&plugin.FunctionOptions{Name: "RegexRailroadDiagram", Eval: contextEval},
		func(args []string, ec *editorContext) error {
			return h.start("diagram", ec, args, func(ctx context.Context, req dispatch.Request) error {
				_, err := h.dispatcher.Diagram(ctx, req)
				return err
			})
		})

	p.HandleFunction(&plugin.FunctionOptions{Name: "RegexRailroadText", Eval: contextEval},
		func(args []string, ec *editorContext) error {
			return h.start("text", ec, args, func(ctx context.Context, req dispatch.Request) error {
				_, err := h.dispatcher.Describe(ctx, req)
				return err
			})
		})

	p.HandleFunction(&plugin.FunctionOptions{Name: "RegexRailroadEcho", Eval: contextEval},
		func(args []string, ec *editorContext) error {
			return h.start("echo", ec, args, h.dispatcher.Echo)
		})

	p.HandleFunction(&plugin.FunctionOptions{Name: "RegexRailroadClose", Eval: contextEval},
		func(_ []string, ec *editorContext) error {
			_, err := h.dispatcher.Close(context.Background(), ec.key())
			return err
		})

	p.HandleFunction(&plugin.FunctionOptions{Name: "RegexRailroadStop", Eval: contextEval},
		func(_ []string, ec *editorContext) (bool, error) {
			return h.dispatcher.Stop(context.Background(), ec.key()), nil
		})

	for _, event := range autocmdEvents(events) {
		p.HandleAutocmd(&plugin.AutocmdOptions{Event: event, Group: Group, Pattern: "*", Eval: "win_getid()"},
			func(win int) {
				h.previews.Hub().Dispatch(preview.Event{Kind: event, Context: preview.SurfaceID(win)})
			})
	}

	// A wiped buffer takes its preview and worker with it.
	p.HandleAutocmd(&plugin.AutocmdOptions{Event: "BufWipeout", Group: Group, Pattern: "*", Eval: "{'file': expand('<afile>:p'), 'buf': str2nr(expand('<abuf>'))}"},
		func(ec *editorContext) {
			h.dispatcher.Stop(context.Background(), ec.key())
		})
}

// start runs a worker command in the background so the editor is not
// blocked for the duration of the request. Failures are echoed.
func (h *Host) start(name string, ec *editorContext, args []string, run func(context.Context, dispatch.Request) error) error {
	if ec == nil {
		return errors.New("regex-railroad: missing editor context")
	}
	req := ec.request(firstArg(args))

	h.inflight.Go(func() {
		if err := run(context.Background(), req); err != nil {
			h.logger.WithKey(req.Key).Warn("command failed", "command", name, "kind", rrerrors.KindOf(err).String(), "error", err)
			h.v.WritelnErr(editorMessage(err))
		}
	})
	return nil
}

// editorMessage is what the user sees for a failed command. Timeouts
// may succeed on a second try, so they say so.
func editorMessage(err error) string {
	msg := rrerrors.UserMessage(err)
	if rrerrors.IsRetryable(err) {
		msg += "; try the command again"
	}
	return msg
}

// Wait blocks until in-flight commands finish.
func (h *Host) Wait() {
	h.inflight.Wait()
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func autocmdEvents(configured []string) []string {
	events := slices.Clone(baseEvents)
	for _, e := range configured {
		if !slices.Contains(events, e) {
			events = append(events, e)
		}
	}
	return events
}
