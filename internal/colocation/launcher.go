// Package colocation runs the flows that bring a participant into a shared
// coordinate frame: creating a colocated space, joining one automatically,
// or joining the space of a chosen participant.
package colocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/coloc/internal/alignment"
	"github.com/danmuck/coloc/internal/anchor"
	"github.com/danmuck/coloc/internal/directory"
	"github.com/danmuck/coloc/internal/observability"
	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrAnchorUnavailable      = errors.New("colocation: anchor unavailable")
	ErrNoOwnerAvailable       = errors.New("colocation: no participant left to share the anchor")
	ErrAttemptTimeout         = errors.New("colocation: share attempt timed out")
	ErrFlowInProgress         = errors.New("colocation: another flow is running")
	ErrNoAnchorForParticipant = errors.New("colocation: no anchor for participant")
	ErrShareRejected          = errors.New("colocation: share rejected")
	ErrAutoColocationFailed   = errors.New("colocation: no alignment anchor could be localized")
)

const (
	DefaultAttemptTimeout = 30 * time.Second
	DefaultGrantTimeout   = 10 * time.Second
)

// Directory is the part of the replicated directory the launcher uses.
type Directory interface {
	GetParticipant(id protocol.StableID) (directory.Participant, bool)
	GetAllParticipants() []directory.Participant
	GetFirstParticipantInGroup(group protocol.GroupID) (directory.Participant, bool)
	GetAllAnchors() []directory.Anchor
	AddAnchor(ctx context.Context, a directory.Anchor) error
	AddParticipant(ctx context.Context, p directory.Participant) error
	RemoveParticipant(ctx context.Context, p directory.Participant) error
	IncrementGroupCount(ctx context.Context) (protocol.GroupID, error)
}

// Messenger sends share requests to stable ids and replies to devices.
type Messenger interface {
	SendToStableID(ctx context.Context, id protocol.StableID, msg session.Message) error
	SendToDevice(ctx context.Context, id protocol.DeviceID, msg session.Message) error
}

type Config struct {
	Self   protocol.StableID
	Device protocol.DeviceID
	// CreateSpaceOnFailure makes ColocateAutomatically fall back to
	// CreateColocatedSpace when no anchor could be localized.
	CreateSpaceOnFailure bool
	// AttemptTimeout bounds one share attempt. Zero waits forever.
	AttemptTimeout time.Duration
	// GrantTimeout bounds the owner-side GrantAccess call.
	GrantTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		AttemptTimeout: DefaultAttemptTimeout,
		GrantTimeout:   DefaultGrantTimeout,
	}
}

type Deps struct {
	Directory Directory
	Messenger Messenger
	Backend   anchor.Backend
	Executor  alignment.Executor
	// Tracer is optional; the global provider is used when nil.
	Tracer trace.Tracer
}

type State int32

const (
	StateIdle State = iota
	StateAttemptingShare
	StateLocalizing
	StateAligned
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttemptingShare:
		return "attempting_share"
	case StateLocalizing:
		return "localizing"
	case StateAligned:
		return "aligned"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Launcher struct {
	cfg     Config
	dir     Directory
	msgr    Messenger
	backend anchor.Backend
	exec    alignment.Executor
	tracer  trace.Tracer
	pending *session.PendingTable[session.ShareReply]

	flowRunning atomic.Bool
	state       atomic.Int32

	mu           sync.Mutex
	alignment    *anchor.Handle
	onAligned    []func(anchor.Handle)
	onAutoFailed []func()
}

func New(cfg Config, deps Deps) (*Launcher, error) {
	var missing []string
	if deps.Directory == nil {
		missing = append(missing, "directory")
	}
	if deps.Messenger == nil {
		missing = append(missing, "messenger")
	}
	if deps.Backend == nil {
		missing = append(missing, "backend")
	}
	if deps.Executor == nil {
		missing = append(missing, "executor")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("colocation: missing collaborators: %s", strings.Join(missing, ", "))
	}
	if cfg.Device == uuid.Nil {
		return nil, errors.New("colocation: device id is required")
	}
	if cfg.AttemptTimeout < 0 {
		cfg.AttemptTimeout = 0
	}
	if cfg.GrantTimeout <= 0 {
		cfg.GrantTimeout = DefaultGrantTimeout
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = observability.Tracer("github.com/danmuck/coloc/internal/colocation")
	}
	return &Launcher{
		cfg:     cfg,
		dir:     deps.Directory,
		msgr:    deps.Messenger,
		backend: deps.Backend,
		exec:    deps.Executor,
		tracer:  tracer,
		pending: session.NewPendingTable[session.ShareReply](),
	}, nil
}

func (l *Launcher) Self() protocol.StableID {
	return l.cfg.Self
}

func (l *Launcher) State() State {
	return State(l.state.Load())
}

func (l *Launcher) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev != s {
		log.Debug().Msgf("colocation.Launcher.setState self=%s %s -> %s", l.cfg.Self, prev, s)
	}
}

// OnAligned registers fn to run after every successful alignment.
func (l *Launcher) OnAligned(fn func(anchor.Handle)) {
	l.mu.Lock()
	l.onAligned = append(l.onAligned, fn)
	l.mu.Unlock()
}

// OnAutoColocationFailed registers fn to run when ColocateAutomatically
// gives up without a fallback.
func (l *Launcher) OnAutoColocationFailed(fn func()) {
	l.mu.Lock()
	l.onAutoFailed = append(l.onAutoFailed, fn)
	l.mu.Unlock()
}

// AlignmentAnchor is the anchor the participant last localized or created.
func (l *Launcher) AlignmentAnchor() (anchor.Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.alignment == nil {
		return anchor.Handle{}, false
	}
	return *l.alignment, true
}

// ReleaseAlignmentAnchor forgets the current alignment anchor.
func (l *Launcher) ReleaseAlignmentAnchor() {
	l.mu.Lock()
	had := l.alignment != nil
	l.alignment = nil
	l.mu.Unlock()
	if had && !l.flowRunning.Load() {
		l.setState(StateIdle)
	}
}

// PendingShares lists share requests still waiting for a reply.
func (l *Launcher) PendingShares() []session.PendingRequest {
	return l.pending.List()
}

// OnPeerLeft drops every directory entry for id.
func (l *Launcher) OnPeerLeft(ctx context.Context, id protocol.StableID) {
	for _, p := range l.dir.GetAllParticipants() {
		if p.ID != id {
			continue
		}
		if err := l.dir.RemoveParticipant(ctx, p); err != nil {
			log.Warn().Msgf("colocation.Launcher.OnPeerLeft remove participant=%s group=%d err=%v", p.ID, p.GroupID, err)
		}
	}
}

func (l *Launcher) beginFlow(ctx context.Context, name string) (context.Context, trace.Span, bool) {
	if !l.flowRunning.CompareAndSwap(false, true) {
		log.Warn().Msgf("colocation.Launcher.%s self=%s rejected: flow in progress", name, l.cfg.Self)
		return ctx, nil, false
	}
	ctx, span := l.tracer.Start(ctx, "colocation."+name,
		trace.WithAttributes(attribute.String("participant", l.cfg.Self.String())))
	return ctx, span, true
}

func (l *Launcher) endFlow(span trace.Span, flow string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	observability.RecordFlow(flow, err == nil)
	l.flowRunning.Store(false)
}

// CreateColocatedSpace creates a fresh alignment anchor at the local origin,
// mints a new group for it and aligns to it. No messages are exchanged
// beyond the directory writes.
func (l *Launcher) CreateColocatedSpace(ctx context.Context) (err error) {
	ctx, span, ok := l.beginFlow(ctx, "CreateColocatedSpace")
	if !ok {
		return ErrFlowInProgress
	}
	defer func() { l.endFlow(span, "create", err) }()
	return l.createSpace(ctx)
}

func (l *Launcher) createSpace(ctx context.Context) error {
	log.Info().Msgf("colocation.Launcher.createSpace self=%s", l.cfg.Self)
	l.setState(StateLocalizing)
	h, err := l.backend.CreateAnchor(ctx, anchor.Origin)
	if err != nil {
		l.setState(StateFailed)
		return fmt.Errorf("colocation: create anchor: %w", err)
	}
	if h.Owner == 0 {
		h.Owner = l.cfg.Self
	}
	// a failed persist leaves the anchor usable locally
	if saved, err := l.backend.PersistToStore(ctx, []anchor.Handle{h}); err != nil || !saved {
		log.Warn().Msgf("colocation.Launcher.createSpace persist uuid=%s saved=%v err=%v", h.UUID, saved, err)
	}

	group, err := l.dir.IncrementGroupCount(ctx)
	if err != nil {
		l.setState(StateFailed)
		return fmt.Errorf("colocation: mint group: %w", err)
	}
	a := directory.Anchor{
		UUID:        h.UUID,
		IsAutomatic: true,
		IsAlignment: true,
		Owner:       l.cfg.Self,
		GroupID:     group,
	}
	if err := l.dir.AddAnchor(ctx, a); err != nil {
		l.setState(StateFailed)
		return fmt.Errorf("colocation: add anchor: %w", err)
	}
	if err := l.dir.AddParticipant(ctx, directory.Participant{ID: l.cfg.Self, GroupID: group}); err != nil {
		l.setState(StateFailed)
		return fmt.Errorf("colocation: add participant: %w", err)
	}
	log.Info().Msgf("colocation.Launcher.createSpace self=%s anchor=%s group=%d", l.cfg.Self, h.UUID, group)

	l.remember(h)
	return l.align(ctx, h)
}

// ColocateAutomatically tries every alignment anchor in directory order and
// joins the group of the first one it can localize.
func (l *Launcher) ColocateAutomatically(ctx context.Context) (err error) {
	ctx, span, ok := l.beginFlow(ctx, "ColocateAutomatically")
	if !ok {
		return ErrFlowInProgress
	}
	defer func() { l.endFlow(span, "auto", err) }()

	var candidates []directory.Anchor
	for _, a := range l.dir.GetAllAnchors() {
		if a.IsAlignment {
			candidates = append(candidates, a)
		}
	}
	log.Info().Msgf("colocation.Launcher.ColocateAutomatically self=%s candidates=%d", l.cfg.Self, len(candidates))

	for _, a := range candidates {
		att := l.AttemptShareAndLocalize(ctx, a)
		ok, err := att.Wait(ctx)
		if ok {
			return l.join(ctx, a, att.Handle())
		}
		log.Warn().Msgf("colocation.Launcher.ColocateAutomatically self=%s anchor=%s group=%d failed: %v", l.cfg.Self, a.UUID, a.GroupID, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			l.setState(StateFailed)
			return ctxErr
		}
		l.setState(StateIdle)
	}

	if l.cfg.CreateSpaceOnFailure {
		log.Info().Msgf("colocation.Launcher.ColocateAutomatically self=%s falling back to create", l.cfg.Self)
		return l.createSpace(ctx)
	}
	l.setState(StateFailed)
	l.mu.Lock()
	listeners := append([]func(){}, l.onAutoFailed...)
	l.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
	return ErrAutoColocationFailed
}

// ColocateToParticipant joins the group target is colocated in.
func (l *Launcher) ColocateToParticipant(ctx context.Context, target protocol.StableID) (err error) {
	ctx, span, ok := l.beginFlow(ctx, "ColocateToParticipant")
	if !ok {
		return ErrFlowInProgress
	}
	defer func() { l.endFlow(span, "participant", err) }()

	a, found := l.anchorUsedBy(target)
	if !found {
		err := fmt.Errorf("%w: participant=%s", ErrNoAnchorForParticipant, target)
		log.Error().Msgf("colocation.Launcher.ColocateToParticipant self=%s: %v", l.cfg.Self, err)
		l.setState(StateFailed)
		return err
	}
	att := l.AttemptShareAndLocalize(ctx, a)
	if ok, err := att.Wait(ctx); !ok {
		if err == nil {
			err = ErrAnchorUnavailable
		}
		log.Error().Msgf("colocation.Launcher.ColocateToParticipant self=%s target=%s anchor=%s: %v", l.cfg.Self, target, a.UUID, err)
		l.setState(StateFailed)
		return err
	}
	return l.join(ctx, a, att.Handle())
}

// anchorUsedBy returns the first anchor of the group target belongs to.
// When target is listed more than once the last entry wins.
func (l *Launcher) anchorUsedBy(target protocol.StableID) (directory.Anchor, bool) {
	var (
		group protocol.GroupID
		found bool
	)
	for _, p := range l.dir.GetAllParticipants() {
		if p.ID == target {
			group = p.GroupID
			found = true
		}
	}
	if !found {
		return directory.Anchor{}, false
	}
	for _, a := range l.dir.GetAllAnchors() {
		if a.GroupID == group {
			return a, true
		}
	}
	return directory.Anchor{}, false
}

func (l *Launcher) join(ctx context.Context, a directory.Anchor, h anchor.Handle) error {
	if err := l.dir.AddParticipant(ctx, directory.Participant{ID: l.cfg.Self, GroupID: a.GroupID}); err != nil {
		l.setState(StateFailed)
		return fmt.Errorf("colocation: add participant: %w", err)
	}
	return l.align(ctx, h)
}

func (l *Launcher) align(ctx context.Context, h anchor.Handle) error {
	if err := l.exec.AlignSelfToAnchor(ctx, h); err != nil {
		l.setState(StateFailed)
		return fmt.Errorf("colocation: align to %s: %w", h.UUID, err)
	}
	l.setState(StateAligned)
	log.Info().Msgf("colocation.Launcher.align self=%s anchor=%s", l.cfg.Self, h.UUID)

	l.mu.Lock()
	listeners := append([]func(anchor.Handle){}, l.onAligned...)
	l.mu.Unlock()
	for _, fn := range listeners {
		fn(h)
	}
	return nil
}

func (l *Launcher) remember(h anchor.Handle) {
	l.mu.Lock()
	cur := h
	l.alignment = &cur
	l.mu.Unlock()
}

// AttemptShareAndLocalize asks the owner of a (or, when the owner has left,
// the first participant still in its group) to share it, then localizes it.
// The returned attempt resolves exactly once.
func (l *Launcher) AttemptShareAndLocalize(ctx context.Context, a directory.Anchor) *Attempt {
	att := newAttempt(a)
	l.setState(StateAttemptingShare)
	go l.runAttempt(ctx, att)
	return att
}

func (l *Launcher) runAttempt(ctx context.Context, att *Attempt) {
	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "colocation.attempt", trace.WithAttributes(
		attribute.String("anchor.uuid", att.anchor.UUID),
		attribute.Int64("anchor.group", int64(att.anchor.GroupID)),
		attribute.String("anchor.owner", att.anchor.Owner.String()),
	))
	defer span.End()

	ok, h, err := l.shareAndLocalize(ctx, att)
	if !ok {
		l.setState(StateFailed)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.SetAttributes(attribute.Int64("request.id", int64(att.requestID)))
	observability.RecordShareAttempt(attemptOutcome(ok, err), time.Since(start))
	att.resolve(ok, h, err)
}

func (l *Launcher) shareAndLocalize(ctx context.Context, att *Attempt) (bool, anchor.Handle, error) {
	a := att.anchor
	if a.Owner == l.cfg.Self {
		log.Debug().Msgf("colocation.Launcher.shareAndLocalize self-owned anchor=%s", a.UUID)
		att.target = l.cfg.Self
		return l.localize(ctx, a.UUID)
	}

	target := a.Owner
	if _, ok := l.dir.GetParticipant(a.Owner); !ok {
		p, ok := l.dir.GetFirstParticipantInGroup(a.GroupID)
		if !ok {
			return false, anchor.Handle{}, fmt.Errorf("%w: anchor=%s group=%d", ErrNoOwnerAvailable, a.UUID, a.GroupID)
		}
		log.Info().Msgf("colocation.Launcher.shareAndLocalize owner=%s gone, asking participant=%s group=%d", a.Owner, p.ID, a.GroupID)
		target = p.ID
	}
	att.target = target
	if target == l.cfg.Self {
		return l.localize(ctx, a.UUID)
	}

	id, replies := l.pending.Open(target.String(), l.cfg.AttemptTimeout)
	att.requestID = id
	req := session.ShareRequest{ShareAndLocalize: session.ShareAndLocalize{
		RequestID:       id,
		Owner:           target,
		Requester:       l.cfg.Self,
		RequesterDevice: l.cfg.Device,
		AnchorUUID:      a.UUID,
	}}
	if err := l.msgr.SendToStableID(ctx, target, req); err != nil {
		l.pending.Cancel(id)
		log.Warn().Msgf("colocation.Launcher.shareAndLocalize send request_id=%d target=%s err=%v", id, target, err)
		return false, anchor.Handle{}, err
	}
	log.Debug().Msgf("colocation.Launcher.shareAndLocalize sent request_id=%d target=%s anchor=%s", id, target, a.UUID)

	var timeout <-chan time.Time
	if l.cfg.AttemptTimeout > 0 {
		timer := time.NewTimer(l.cfg.AttemptTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case reply := <-replies:
		if !reply.Succeeded {
			return false, anchor.Handle{}, fmt.Errorf("%w: target=%s anchor=%s", ErrShareRejected, target, a.UUID)
		}
		return l.localize(ctx, a.UUID)
	case <-timeout:
		l.pending.Cancel(id)
		return false, anchor.Handle{}, fmt.Errorf("%w: request_id=%d target=%s after %s", ErrAttemptTimeout, id, target, l.cfg.AttemptTimeout)
	case <-ctx.Done():
		l.pending.Cancel(id)
		return false, anchor.Handle{}, ctx.Err()
	}
}

func (l *Launcher) localize(ctx context.Context, anchorUUID string) (bool, anchor.Handle, error) {
	l.setState(StateLocalizing)
	handles, err := l.backend.Retrieve(ctx, []string{anchorUUID})
	if err != nil {
		return false, anchor.Handle{}, fmt.Errorf("%w: uuid=%s: %w", ErrAnchorUnavailable, anchorUUID, err)
	}
	if len(handles) == 0 {
		return false, anchor.Handle{}, fmt.Errorf("%w: uuid=%s", ErrAnchorUnavailable, anchorUUID)
	}
	h := handles[0]
	l.remember(h)
	return true, h, nil
}

// HandleShareRequest runs on the owner: it grants the requester access to
// the local anchors and replies to the requesting device.
func (l *Launcher) HandleShareRequest(ctx context.Context, from protocol.SessionHandle, req session.ShareRequest) {
	log.Info().Msgf("colocation.Launcher.HandleShareRequest self=%s from=%s request_id=%d requester=%s anchor=%s",
		l.cfg.Self, from, req.RequestID, req.Requester, req.AnchorUUID)

	gctx, cancel := context.WithTimeout(ctx, l.cfg.GrantTimeout)
	granted, err := l.backend.GrantAccess(gctx, req.Requester)
	cancel()
	if err != nil {
		log.Warn().Msgf("colocation.Launcher.HandleShareRequest grant requester=%s err=%v", req.Requester, err)
		granted = false
	}

	reply := req.Reply(granted)
	if err := l.msgr.SendToDevice(ctx, req.RequesterDevice, reply); err != nil {
		log.Warn().Msgf("colocation.Launcher.HandleShareRequest reply request_id=%d device=%s dropped: %v", req.RequestID, req.RequesterDevice, err)
	}
}

// HandleShareReply resolves the attempt waiting on reply.RequestID. Replies
// nobody waits for are dropped.
func (l *Launcher) HandleShareReply(_ context.Context, from protocol.SessionHandle, reply session.ShareReply) {
	if reply.Requester != l.cfg.Self {
		log.Warn().Msgf("colocation.Launcher.HandleShareReply self=%s drop request_id=%d addressed to requester=%s", l.cfg.Self, reply.RequestID, reply.Requester)
		observability.RecordDroppedReply()
		return
	}
	if !l.pending.Resolve(reply.RequestID, reply) {
		log.Warn().Msgf("colocation.Launcher.HandleShareReply self=%s from=%s drop request_id=%d: no attempt waiting", l.cfg.Self, from, reply.RequestID)
		observability.RecordDroppedReply()
		return
	}
	log.Debug().Msgf("colocation.Launcher.HandleShareReply self=%s request_id=%d succeeded=%v", l.cfg.Self, reply.RequestID, reply.Succeeded)
}

func attemptOutcome(ok bool, err error) string {
	switch {
	case ok:
		return "success"
	case errors.Is(err, ErrAttemptTimeout):
		return "timeout"
	case errors.Is(err, ErrNoOwnerAvailable):
		return "no_owner"
	case errors.Is(err, ErrShareRejected):
		return "rejected"
	case errors.Is(err, ErrAnchorUnavailable):
		return "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "unreachable"
	}
}
