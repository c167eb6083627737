package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/crewdhq/crewd/internal/agent"
	"github.com/crewdhq/crewd/internal/bus"
	"github.com/crewdhq/crewd/internal/config"
	"github.com/crewdhq/crewd/internal/hooks"
	"github.com/crewdhq/crewd/internal/queue"
	"github.com/crewdhq/crewd/internal/routing"
	"github.com/crewdhq/crewd/internal/team"
)

var tracer = otel.Tracer("crewd/dispatch")

// Apology is the user-facing text substituted when an invocation fails
// beyond recovery. The real error goes to the log and the queue row.
const Apology = "Sorry, I hit an error processing that message. Please try again."

// InvokeFunc runs one agent invocation. Satisfied by (*agent.Invoker).Invoke.
type InvokeFunc func(ctx context.Context, ag *config.AgentConfig, prompt string, reset bool) (string, error)

// Processor turns one claimed queue row into a response and, for team
// conversations, internal follow-up messages.
type Processor struct {
	store  queue.Store
	cfg    *config.Config
	invoke InvokeFunc
	hooks  *hooks.Pipeline
	convs  *team.Tracker
	bus    bus.Publisher
}

func NewProcessor(store queue.Store, cfg *config.Config, invoke InvokeFunc, pipeline *hooks.Pipeline, convs *team.Tracker, pub bus.Publisher) *Processor {
	return &Processor{
		store:  store,
		cfg:    cfg,
		invoke: invoke,
		hooks:  pipeline,
		convs:  convs,
		bus:    pub,
	}
}

// Process runs one claimed row through the funnel. Any error lands in
// Fail, which requeues the row until the retry budget dead-letters it.
func (p *Processor) Process(ctx context.Context, msg *queue.Message) {
	ctx, span := tracer.Start(ctx, "dispatch.process", trace.WithAttributes(
		attribute.String("crewd.agent", msg.TargetAgent),
		attribute.String("crewd.channel", msg.Channel),
		attribute.String("crewd.message_id", msg.MessageID),
		attribute.String("crewd.conversation_id", msg.ConversationID),
	))
	defer span.End()

	err := p.process(ctx, msg)
	if err == nil {
		return
	}
	span.RecordError(err)
	slog.Error("dispatch.process_failed",
		"messageId", msg.MessageID, "agent", msg.TargetAgent, "retries", msg.Retries, "error", err)

	// Bookkeeping must land even when shutdown cancelled the context.
	store := context.WithoutCancel(ctx)
	if msg.Retries+1 >= p.cfg.MaxRetries() && !msg.Internal() {
		// Last attempt: the row is about to dead-letter, so tell the user.
		p.sendApology(store, msg)
	}
	if ferr := p.store.Fail(store, msg.ID, err.Error()); ferr != nil {
		slog.Error("dispatch.fail_error", "id", msg.ID, "error", ferr)
	}
}

func (p *Processor) process(ctx context.Context, msg *queue.Message) error {
	// Resolve the target. Rows that already carry one were pre-routed by
	// an adapter or are internal follow-ups.
	res := p.resolve(msg)
	if res.Kind == routing.KindErrorMulti {
		return p.completeMulti(context.WithoutCancel(ctx), msg, res.Reply)
	}

	ag := p.agentFor(res.AgentID)
	if ag == nil {
		return fmt.Errorf("no agents configured")
	}
	p.bus.Emit(bus.EventAgentRouted, map[string]any{
		"messageId": msg.MessageID,
		"agent":     ag.ID,
		"channel":   msg.Channel,
	})

	conv, teamCfg, orphan := p.teamContext(msg, res, ag)
	if orphan {
		slog.Warn("conversation.orphan_step",
			"conversationId", msg.ConversationID, "agent", ag.ID, "messageId", msg.MessageID)
	}

	// A reset sentinel applies to exactly the next invocation.
	reset := agent.ConsumeReset(agent.WorkDir(p.cfg, ag))
	if reset {
		slog.Info("dispatch.session_reset", "agent", ag.ID)
	}

	prompt := res.Text
	if msg.Internal() {
		prompt = fmt.Sprintf("Message from @%s: %s", msg.FromAgent, prompt)
		if conv != nil {
			if n := conv.OthersPending(); n > 0 {
				prompt += fmt.Sprintf("\n\n(%d teammate(s) are still working on this conversation; do not mention them again.)", n)
			}
		}
	}

	mctx := hooks.Context{Channel: msg.Channel, Sender: msg.Sender, MessageID: msg.MessageID, Original: msg.Text}
	prompt, _ = p.hooks.ApplyIncoming(ctx, prompt, mctx)

	p.bus.Emit(bus.EventChainStepStart, map[string]any{
		"messageId":      msg.MessageID,
		"agent":          ag.ID,
		"conversationId": msg.ConversationID,
	})
	answer, invErr := p.invoke(ctx, ag, prompt, reset)
	p.bus.Emit(bus.EventChainStepDone, map[string]any{
		"messageId":      msg.MessageID,
		"agent":          ag.ID,
		"conversationId": msg.ConversationID,
		"ok":             invErr == nil,
	})
	if invErr != nil {
		if teamCfg == nil && !orphan {
			// Direct replies ride the retry budget.
			return fmt.Errorf("invoke %s: %w", ag.ID, invErr)
		}
		// A failed branch must not stall the conversation: substitute
		// the apology and keep the chain draining.
		slog.Error("dispatch.step_substituted", "agent", ag.ID, "conversationId", msg.ConversationID, "error", invErr)
		answer = Apology
	}

	store := context.WithoutCancel(ctx)
	if orphan {
		// The conversation was swept while this branch was queued; the
		// answer has nowhere to go.
		return p.store.Complete(store, msg.ID)
	}
	if teamCfg == nil {
		return p.finishDirect(store, msg, ag, answer, mctx)
	}
	return p.finishTeam(store, msg, ag, conv, teamCfg, answer)
}

func (p *Processor) resolve(msg *queue.Message) routing.Resolution {
	if msg.TargetAgent != "" {
		return routing.Resolution{Kind: routing.KindAgent, AgentID: msg.TargetAgent, Text: msg.Text}
	}
	return routing.Resolve(msg.Text, p.cfg.Agents, p.cfg.Teams)
}

// agentFor maps a resolved id onto a configured agent: unknown ids fall
// back to the default agent, then to the first configured one.
func (p *Processor) agentFor(id string) *config.AgentConfig {
	if ag, ok := p.cfg.Agents[id]; ok {
		return ag
	}
	if ag, ok := p.cfg.Agents[p.cfg.ResolveDefaultAgentID()]; ok {
		slog.Warn("dispatch.unknown_agent", "requested", id, "using", ag.ID)
		return ag
	}
	return nil
}

// teamContext decides whether this row runs inside a team conversation.
// Internal follow-ups inherit their conversation's team; external rows
// enter team mode when routing targeted a team, or when the agent
// belongs to one. orphan marks a follow-up whose conversation is gone.
func (p *Processor) teamContext(msg *queue.Message, res routing.Resolution, ag *config.AgentConfig) (conv *team.Conversation, teamCfg *config.TeamConfig, orphan bool) {
	if msg.Internal() {
		c, ok := p.convs.Lookup(msg.ConversationID)
		if !ok {
			return nil, nil, true
		}
		return c, c.Team, false
	}
	if res.Team != nil {
		return nil, res.Team, false
	}
	return nil, p.memberTeam(ag.ID), false
}

// memberTeam returns the first team (by id) the agent belongs to.
func (p *Processor) memberTeam(agentID string) *config.TeamConfig {
	ids := make([]string, 0, len(p.cfg.Teams))
	for id := range p.cfg.Teams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if tm := p.cfg.Teams[id]; tm.HasMember(agentID) {
			return tm
		}
	}
	return nil
}

// completeMulti answers an ambiguous multi-target message with the
// explanation produced by the resolver. No agent runs.
func (p *Processor) completeMulti(ctx context.Context, msg *queue.Message, reply string) error {
	slog.Info("dispatch.multi_target", "messageId", msg.MessageID, "channel", msg.Channel)
	resp := &queue.Response{
		MessageID:    msg.MessageID,
		Channel:      msg.Channel,
		Sender:       msg.Sender,
		SenderID:     msg.SenderID,
		Text:         reply,
		OriginalText: msg.Text,
	}
	if _, err := p.store.EnqueueResponse(ctx, resp); err != nil {
		return fmt.Errorf("enqueue multi-target reply: %w", err)
	}
	p.bus.Emit(bus.EventResponseReady, map[string]any{"messageId": msg.MessageID, "channel": msg.Channel})
	return p.store.Complete(ctx, msg.ID)
}

// finishDirect is step nine of the funnel: file directives, oversize
// spill, outgoing hooks, one response row, row completed.
func (p *Processor) finishDirect(ctx context.Context, msg *queue.Message, ag *config.AgentConfig, answer string, mctx hooks.Context) error {
	text, files := ExtractFileDirectives(answer)

	if limit := p.cfg.MaxResponseChars(); len(text) > limit {
		if path, err := p.spill(text); err != nil {
			slog.Warn("dispatch.spill_failed", "messageId", msg.MessageID, "error", err)
		} else {
			files = append(files, path)
			text = fmt.Sprintf("The reply is %d characters, too long for one message; the full text is attached.", len(text))
		}
	}

	text, meta := p.hooks.ApplyOutgoing(ctx, text, mctx)

	resp := &queue.Response{
		MessageID:    msg.MessageID,
		Channel:      msg.Channel,
		Sender:       msg.Sender,
		SenderID:     msg.SenderID,
		Text:         text,
		OriginalText: msg.Text,
		Agent:        ag.ID,
		Files:        files,
		Metadata:     meta,
	}
	if _, err := p.store.EnqueueResponse(ctx, resp); err != nil {
		return fmt.Errorf("enqueue response: %w", err)
	}
	p.bus.Emit(bus.EventResponseReady, map[string]any{
		"messageId": msg.MessageID,
		"channel":   msg.Channel,
		"agent":     ag.ID,
	})
	if err := p.store.Complete(ctx, msg.ID); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	slog.Info("dispatch.completed", "messageId", msg.MessageID, "agent", ag.ID, "chars", len(text))
	return nil
}

// finishTeam is step ten: record the step, fan out teammate mentions,
// retire this branch, and compose the final reply once the last branch
// finishes. The store row always completes; conversation-level store
// failures are logged rather than retried because a retry would re-run
// the whole branch.
func (p *Processor) finishTeam(ctx context.Context, msg *queue.Message, ag *config.AgentConfig, conv *team.Conversation, teamCfg *config.TeamConfig, answer string) error {
	if conv == nil {
		conv = p.convs.Start(msg.Channel, msg.Sender, msg.SenderID, msg.MessageID, teamCfg)
		p.bus.Emit(bus.EventTeamChainStart, map[string]any{
			"conversationId": conv.ID,
			"team":           teamCfg.ID,
			"agent":          ag.ID,
			"messageId":      msg.MessageID,
		})
		slog.Info("conversation.started", "conversationId", conv.ID, "team", teamCfg.ID, "agent", ag.ID)
	}

	text, files := ExtractFileDirectives(answer)
	mentions := team.ExtractMentions(text, ag.ID, teamCfg)
	conv.AppendStep(ag.ID, team.StripMentions(text), files)

	if len(mentions) > 0 {
		if conv.UnderCap() {
			p.fanOut(ctx, msg, ag, conv, mentions)
		} else {
			slog.Warn("conversation.cap_reached",
				"conversationId", conv.ID, "steps", conv.StepCount(), "dropped", len(mentions))
		}
	}

	if conv.FinishBranch() {
		if _, ok := p.convs.Lookup(conv.ID); ok {
			p.completeConversation(ctx, conv)
		} else {
			// Swept mid-flight; the late reply is dropped.
			slog.Warn("conversation.orphan_step", "conversationId", conv.ID, "agent", ag.ID)
		}
	}
	return p.store.Complete(ctx, msg.ID)
}

// fanOut enqueues one internal follow-up per mentioned teammate. The
// branch counter moves only for rows that actually landed, and before
// this branch's own decrement so the conversation cannot drain early.
func (p *Processor) fanOut(ctx context.Context, msg *queue.Message, ag *config.AgentConfig, conv *team.Conversation, mentions []team.Mention) {
	for _, m := range mentions {
		follow := &queue.Message{
			MessageID:      fmt.Sprintf("%s-%s", conv.ID, uuid.NewString()[:8]),
			Channel:        msg.Channel,
			Sender:         msg.Sender,
			SenderID:       msg.SenderID,
			Text:           m.Message,
			TargetAgent:    m.AgentID,
			ConversationID: conv.ID,
			FromAgent:      ag.ID,
		}
		if _, err := p.store.Enqueue(ctx, follow); err != nil {
			slog.Error("conversation.handoff_failed",
				"conversationId", conv.ID, "from", ag.ID, "to", m.AgentID, "error", err)
			continue
		}
		conv.AddBranch(ag.ID)
		p.bus.Emit(bus.EventChainHandoff, map[string]any{
			"conversationId": conv.ID,
			"from":           ag.ID,
			"to":             m.AgentID,
		})
		slog.Info("conversation.handoff", "conversationId", conv.ID, "from", ag.ID, "to", m.AgentID)
	}
}

// completeConversation composes the team's combined reply and retires
// the conversation.
func (p *Processor) completeConversation(ctx context.Context, conv *team.Conversation) {
	text, files := conv.ComposeReply(p.cfg.AgentDisplayName)

	mctx := hooks.Context{Channel: conv.Channel, Sender: conv.Sender, MessageID: conv.OriginID}
	text, meta := p.hooks.ApplyOutgoing(ctx, text, mctx)

	leader := conv.Team.LeaderAgent
	if leader == "" && len(conv.Team.Agents) > 0 {
		leader = conv.Team.Agents[0]
	}

	resp := &queue.Response{
		MessageID: conv.OriginID,
		Channel:   conv.Channel,
		Sender:    conv.Sender,
		SenderID:  conv.SenderID,
		Text:      text,
		Agent:     leader,
		Files:     files,
		Metadata:  meta,
	}
	if _, err := p.store.EnqueueResponse(ctx, resp); err != nil {
		slog.Error("conversation.reply_failed", "conversationId", conv.ID, "error", err)
	} else {
		p.bus.Emit(bus.EventResponseReady, map[string]any{
			"messageId": conv.OriginID,
			"channel":   conv.Channel,
			"agent":     leader,
		})
	}

	p.bus.Emit(bus.EventTeamChainEnd, map[string]any{
		"conversationId": conv.ID,
		"team":           conv.Team.ID,
		"steps":          conv.StepCount(),
		"members":        []string(conv.Team.Agents),
	})
	p.convs.Remove(conv.ID)
	slog.Info("conversation.completed", "conversationId", conv.ID, "team", conv.Team.ID, "steps", conv.StepCount())
}

// sendApology tells the user their message is about to dead-letter.
func (p *Processor) sendApology(ctx context.Context, msg *queue.Message) {
	resp := &queue.Response{
		MessageID:    msg.MessageID,
		Channel:      msg.Channel,
		Sender:       msg.Sender,
		SenderID:     msg.SenderID,
		Text:         Apology,
		OriginalText: msg.Text,
		Agent:        msg.TargetAgent,
	}
	if _, err := p.store.EnqueueResponse(ctx, resp); err != nil {
		slog.Error("dispatch.apology_failed", "messageId", msg.MessageID, "error", err)
		return
	}
	p.bus.Emit(bus.EventResponseReady, map[string]any{"messageId": msg.MessageID, "channel": msg.Channel})
}

// spill writes an oversized reply to the files area and returns its path.
func (p *Processor) spill(text string) (string, error) {
	dir := p.cfg.FilesDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("reply-%s.txt", uuid.NewString()[:8]))
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return "", err
	}
	return path, nil
}
