// Package hooks runs user-supplied transforms over inbound prompts and
// outbound replies. Transforms are chained: each sees the previous
// one's output. A transform that fails is logged and skipped — hooks
// never fail the message they decorate.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/crewdhq/crewd/internal/config"
)

// Context describes the message a transform is applied to.
type Context struct {
	Channel   string `json:"channel"`
	Sender    string `json:"sender"`
	MessageID string `json:"messageId"`
	Original  string `json:"original"`
}

// Result is a transform's output. Metadata accumulates across the
// chain, right-biased on key conflicts, and is attached to the
// response row.
type Result struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Transform rewrites message text. Implementations must be safe for
// concurrent use; the dispatcher applies pipelines from many
// goroutines.
type Transform interface {
	Name() string
	Apply(ctx context.Context, text string, mctx Context) (Result, error)
}

// Pipeline holds the ordered incoming and outgoing transform chains.
// Config-declared transforms are fixed at load time; script transforms
// discovered under the hooks dir form a tail that the watcher rebuilds
// when files change.
type Pipeline struct {
	incoming []Transform
	outgoing []Transform

	dir    string
	mu     sync.RWMutex
	dirIn  []Transform
	dirOut []Transform
}

// New builds the pipeline from config and performs the initial hooks
// dir scan. Invalid declared hooks are a configuration error.
func New(cfg config.HooksConfig) (*Pipeline, error) {
	p := &Pipeline{dir: cfg.Dir}

	for i, spec := range cfg.Incoming {
		tr, err := newBuiltin(spec)
		if err != nil {
			return nil, fmt.Errorf("hooks.incoming[%d]: %w", i, err)
		}
		p.incoming = append(p.incoming, tr)
	}
	for i, spec := range cfg.Outgoing {
		tr, err := newBuiltin(spec)
		if err != nil {
			return nil, fmt.Errorf("hooks.outgoing[%d]: %w", i, err)
		}
		p.outgoing = append(p.outgoing, tr)
	}

	if cfg.Dir != "" {
		p.reloadDir()
	}
	return p, nil
}

// ApplyIncoming runs the incoming chain over a prompt.
func (p *Pipeline) ApplyIncoming(ctx context.Context, text string, mctx Context) (string, map[string]string) {
	return p.apply(ctx, p.chain(p.incoming, &p.dirIn), text, mctx)
}

// ApplyOutgoing runs the outgoing chain over a reply.
func (p *Pipeline) ApplyOutgoing(ctx context.Context, text string, mctx Context) (string, map[string]string) {
	return p.apply(ctx, p.chain(p.outgoing, &p.dirOut), text, mctx)
}

func (p *Pipeline) chain(declared []Transform, discovered *[]Transform) []Transform {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Transform, 0, len(declared)+len(*discovered))
	out = append(out, declared...)
	out = append(out, *discovered...)
	return out
}

func (p *Pipeline) apply(ctx context.Context, chain []Transform, text string, mctx Context) (string, map[string]string) {
	var meta map[string]string
	for _, tr := range chain {
		res, err := tr.Apply(ctx, text, mctx)
		if err != nil {
			slog.Warn("hooks.transform_failed", "hook", tr.Name(), "error", err)
			continue
		}
		text = res.Text
		for k, v := range res.Metadata {
			if meta == nil {
				meta = make(map[string]string)
			}
			meta[k] = v
		}
	}
	return text, meta
}

// ==================================================================
// Builtin transforms
// ==================================================================

func newBuiltin(spec config.HookSpec) (Transform, error) {
	name := spec.Name
	if name == "" {
		name = spec.Kind
	}
	switch spec.Kind {
	case "replace":
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("hook %s: bad pattern: %w", name, err)
		}
		return &replaceTransform{name: name, re: re, replacement: spec.Replacement}, nil
	case "prefix":
		return &prefixTransform{name: name, text: spec.Text}, nil
	case "suffix":
		return &suffixTransform{name: name, text: spec.Text}, nil
	case "truncate":
		if spec.MaxChars <= 0 {
			return nil, fmt.Errorf("hook %s: truncate needs max_chars > 0", name)
		}
		return &truncateTransform{name: name, max: spec.MaxChars}, nil
	case "command":
		if spec.Command == "" {
			return nil, fmt.Errorf("hook %s: command is empty", name)
		}
		return &commandTransform{name: name, path: spec.Command}, nil
	}
	return nil, fmt.Errorf("hook %s: unknown kind %q", name, spec.Kind)
}

type replaceTransform struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

func (t *replaceTransform) Name() string { return t.name }

func (t *replaceTransform) Apply(_ context.Context, text string, _ Context) (Result, error) {
	return Result{Text: t.re.ReplaceAllString(text, t.replacement)}, nil
}

type prefixTransform struct {
	name, text string
}

func (t *prefixTransform) Name() string { return t.name }

func (t *prefixTransform) Apply(_ context.Context, text string, _ Context) (Result, error) {
	return Result{Text: t.text + text}, nil
}

type suffixTransform struct {
	name, text string
}

func (t *suffixTransform) Name() string { return t.name }

func (t *suffixTransform) Apply(_ context.Context, text string, _ Context) (Result, error) {
	return Result{Text: text + t.text}, nil
}

type truncateTransform struct {
	name string
	max  int
}

func (t *truncateTransform) Name() string { return t.name }

func (t *truncateTransform) Apply(_ context.Context, text string, _ Context) (Result, error) {
	runes := []rune(text)
	if len(runes) <= t.max {
		return Result{Text: text}, nil
	}
	return Result{Text: string(runes[:t.max])}, nil
}
