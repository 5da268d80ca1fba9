// Package comment implements the comment view model: remote comments merged
// with the reactions and replies a visitor keeps in their own storage.
package comment

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultRefreshInterval is how often Run refetches comments.
const DefaultRefreshInterval = 60 * time.Second

const (
	msgLoadFailed   = "Failed to load comments. Please try again later."
	msgNotAvailable = "Comments are not available for this content."
	msgPostFailed   = "Failed to post comment. Please try again."
)

// A Source provides the approved comments of an item and accepts new ones.
type Source interface {
	List(ctx context.Context, k Key) ([]Comment, error)
	Create(ctx context.Context, k Key, c NewComment) (Comment, error)
}

// Options configure a ViewModel.
type Options struct {
	Source  Source
	Storage Storage
	Viewer  Viewer
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// RefreshInterval defaults to DefaultRefreshInterval.
	RefreshInterval time.Duration
}

// State is a snapshot of what a ViewModel renders.
type State struct {
	Key       Key
	Comments  []Comment
	Reactions Reactions
	Sort      SortMode
	Loading   bool
	// Message is the user-facing error of the last failed operation.
	Message string
}

// A ViewModel owns the merged comment list of a single item for a single
// visitor. It is safe for concurrent use.
type ViewModel struct {
	key       Key
	source    Source
	overlay   *OverlayStore
	reactions *ReactionStore
	viewer    Viewer
	logger    *slog.Logger
	now       func() time.Time
	interval  time.Duration

	mu            sync.Mutex
	comments      []Comment
	userReactions Reactions
	sort          SortMode
	inflight      int
	message       string
	seq           uint64
	lastReplyID   int64
	closed        bool

	done      chan struct{}
	closeOnce sync.Once
}

// New returns a ViewModel for the comment thread identified by k.
func New(k Key, opts Options) *ViewModel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	storage := opts.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	interval := opts.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &ViewModel{
		key:           k,
		source:        opts.Source,
		overlay:       NewOverlayStore(storage, logger),
		reactions:     NewReactionStore(storage, logger),
		viewer:        opts.Viewer,
		logger:        logger.With("type", string(k.Type), "item_id", k.ItemID),
		now:           now,
		interval:      interval,
		userReactions: Reactions{},
		sort:          SortNewest,
		done:          make(chan struct{}),
	}
}

// Load fetches the approved comments, overlays the visitor's local stats and
// returns them sorted by mode. A failed load clears the list.
func (vm *ViewModel) Load(ctx context.Context, mode SortMode) ([]Comment, error) {
	vm.mu.Lock()
	vm.sort = mode
	vm.mu.Unlock()
	return vm.load(ctx, true)
}

// Refresh reloads with the current sort mode. A failed refresh keeps the
// comments already loaded.
func (vm *ViewModel) Refresh(ctx context.Context) error {
	_, err := vm.load(ctx, false)
	return err
}

func (vm *ViewModel) load(ctx context.Context, clearOnError bool) ([]Comment, error) {
	if err := vm.key.Validate(); err != nil {
		vm.mu.Lock()
		vm.comments = nil
		vm.message = err.Error()
		vm.mu.Unlock()
		return []Comment{}, err
	}

	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return []Comment{}, nil
	}
	vm.seq++
	seq := vm.seq
	vm.inflight++
	vm.mu.Unlock()

	fetched, err := vm.source.List(ctx, vm.key)

	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.inflight--

	if vm.closed {
		vm.logger.Debug("Discarding comments loaded after close")
		return []Comment{}, nil
	}
	if seq != vm.seq {
		vm.logger.Debug("Discarding stale comments", "seq", seq, "latest", vm.seq)
		return cloneComments(vm.comments), nil
	}

	if err != nil {
		return vm.loadFailed(err, clearOnError)
	}

	merged := merge(fetched, vm.overlay.Read(ctx, vm.key), vm.logger)
	vm.comments = Sort(merged, vm.sort)
	vm.userReactions = vm.reactions.Read(ctx, vm.key)
	vm.message = ""
	vm.persistOverlay(ctx)
	vm.logger.Debug("Loaded comments", "fetched", len(fetched), "shown", len(vm.comments))

	return cloneComments(vm.comments), nil
}

// loadFailed must be called with vm.mu held.
func (vm *ViewModel) loadFailed(err error, clearOnError bool) ([]Comment, error) {
	var re *RemoteError
	if errors.As(err, &re) && re.Unauthorized() {
		vm.logger.Info("Comments source rejected the session, continuing without comments")
		vm.comments = nil
		vm.message = ""
		return []Comment{}, nil
	}

	out := &RemoteError{Message: msgLoadFailed, Err: err}
	if re != nil {
		out.Status = re.Status
		out.Fields = re.Fields
		if re.NotFound() {
			out.Message = msgNotAvailable
		}
	}
	vm.logger.Error("Could not load comments", "error", err.Error())
	vm.message = out.Message
	if clearOnError {
		vm.comments = nil
		return []Comment{}, out
	}
	return cloneComments(vm.comments), out
}

// merge keeps the approved comments and lays the local stats over them.
func merge(fetched []Comment, stats []Stat, logger *slog.Logger) []Comment {
	byID := make(map[int64]Stat, len(stats))
	for _, s := range stats {
		byID[s.ID] = s
	}

	out := make([]Comment, 0, len(fetched))
	for _, c := range fetched {
		if !c.IsApproved {
			continue
		}
		c = c.clone()
		c.Likes, c.Dislikes, c.Replies = 0, 0, []Comment{}
		if s, ok := byID[c.ID]; ok {
			c.Likes = clamp(s.Likes, c.ID, "likes", logger)
			c.Dislikes = clamp(s.Dislikes, c.ID, "dislikes", logger)
			if s.Replies != nil {
				c.Replies = cloneComments(s.Replies)
			}
		}
		out = append(out, c)
	}
	return out
}

func clamp(n int, id int64, counter string, logger *slog.Logger) int {
	if n < 0 {
		logger.Warn("Negative reaction counter in local stats", "comment_id", id, "counter", counter, "value", n)
		return 0
	}
	return n
}

// SubmitComment posts a new top-level comment and reloads the list. The new
// comment only shows up once the remote side has approved it.
func (vm *ViewModel) SubmitComment(ctx context.Context, content, guestName string) error {
	content = strings.TrimSpace(content)
	guestName = strings.TrimSpace(guestName)

	body := NewComment{Content: content}
	switch {
	case content == "":
		return vm.reject(&ValidationError{Message: "Comment content is required"})
	case !vm.viewer.Authenticated() && guestName == "":
		return vm.reject(&ValidationError{Message: "Name field is required"})
	}
	if !vm.viewer.Authenticated() {
		body.GuestName = guestName
	}
	if err := vm.key.Validate(); err != nil {
		return vm.reject(err)
	}

	if _, err := vm.source.Create(ctx, vm.key, body); err != nil {
		vm.logger.Error("Could not post comment", "error", err.Error())
		out := &RemoteError{Message: msgPostFailed, Err: err}
		var re *RemoteError
		if errors.As(err, &re) {
			out.Status = re.Status
			out.Fields = re.Fields
			out.Message = postFailureMessage(re)
		}
		return vm.reject(out)
	}

	vm.logger.Info("Posted comment", "guest", body.GuestName != "")
	if err := vm.Refresh(ctx); err != nil {
		vm.logger.Warn("Could not reload comments after posting", "error", err.Error())
	}
	return nil
}

// postFailureMessage picks the message shown for a rejected comment. A
// content error wins over a guest name error, which wins over any other
// field.
func postFailureMessage(re *RemoteError) string {
	for _, field := range []string{"content", "guest_name"} {
		if msg := re.FieldMessage(field); msg != "" {
			return msg
		}
	}
	fields := make([]string, 0, len(re.Fields))
	for f := range re.Fields {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	for _, f := range fields {
		if msg := re.FieldMessage(f); msg != "" {
			return msg
		}
	}
	if re.Message != "" && !re.Unauthorized() {
		return re.Message
	}
	return msgPostFailed
}

func (vm *ViewModel) reject(err error) error {
	vm.mu.Lock()
	vm.message = err.Error()
	var re *RemoteError
	if errors.As(err, &re) {
		vm.message = re.Message
	}
	vm.mu.Unlock()
	return err
}

// SubmitReply appends a reply to the comment parentID. Replies only live in
// the visitor's storage and are never sent to the remote source.
func (vm *ViewModel) SubmitReply(ctx context.Context, parentID int64, content, guestName string) (Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Comment{}, vm.reject(&ValidationError{Message: "Reply content is required"})
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	i := vm.indexOf(parentID)
	if i < 0 {
		vm.message = "The comment you are replying to no longer exists."
		return Comment{}, ErrCommentNotFound
	}

	now := vm.now()
	id := now.UnixMilli()
	if id <= vm.lastReplyID {
		id = vm.lastReplyID + 1
	}
	vm.lastReplyID = id

	reply := Comment{
		ID:         id,
		Content:    content,
		IsApproved: true,
		CreatedAt:  now,
		Replies:    []Comment{},
	}
	if vm.viewer.Authenticated() {
		a := *vm.viewer.Author
		reply.Author = &a
	} else {
		reply.GuestName = strings.TrimSpace(guestName)
	}

	parent := &vm.comments[i]
	parent.Replies = append(parent.Replies, reply)
	vm.message = ""
	vm.persistOverlay(ctx)
	vm.logger.Debug("Added local reply", "parent_id", parentID, "reply_id", id)

	return reply.clone(), nil
}

// React toggles the visitor's reaction on a comment. Reacting twice with the
// same kind clears the reaction; switching kinds moves the vote.
func (vm *ViewModel) React(ctx context.Context, commentID int64, kind Reaction) (Comment, error) {
	if kind != Like && kind != Dislike {
		return Comment{}, vm.reject(&ValidationError{Message: "Reaction must be like or dislike"})
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	i := vm.indexOf(commentID)
	if i < 0 {
		return Comment{}, ErrCommentNotFound
	}
	c := &vm.comments[i]

	prev := vm.userReactions[commentID]
	switch {
	case prev == kind:
		vm.decrement(c, kind)
		vm.userReactions[commentID] = NoReaction
	default:
		if prev != NoReaction {
			vm.decrement(c, prev)
		}
		vm.increment(c, kind)
		vm.userReactions[commentID] = kind
	}

	if err := vm.reactions.Write(ctx, vm.key, vm.userReactions); err != nil {
		vm.logger.Error("Could not save reactions", "error", err.Error())
	}
	vm.persistOverlay(ctx)

	return c.clone(), nil
}

func (vm *ViewModel) increment(c *Comment, kind Reaction) {
	if kind == Like {
		c.Likes++
	} else {
		c.Dislikes++
	}
}

func (vm *ViewModel) decrement(c *Comment, kind Reaction) {
	n := &c.Likes
	if kind == Dislike {
		n = &c.Dislikes
	}
	if *n <= 0 {
		vm.logger.Warn("Reaction counter out of sync with stored reaction", "comment_id", c.ID, "reaction", string(kind))
		*n = 0
		return
	}
	*n--
}

// SetSort reorders the loaded comments without fetching.
func (vm *ViewModel) SetSort(mode SortMode) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.sort = mode
	vm.comments = Sort(vm.comments, mode)
}

// State returns a copy of the current view state.
func (vm *ViewModel) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return State{
		Key:       vm.key,
		Comments:  cloneComments(vm.comments),
		Reactions: vm.userReactions.clone(),
		Sort:      vm.sort,
		Loading:   vm.inflight > 0,
		Message:   vm.message,
	}
}

// Run refreshes the comments periodically until ctx is done or the view
// model is closed.
func (vm *ViewModel) Run(ctx context.Context) {
	t := time.NewTicker(vm.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-vm.done:
			return
		case <-t.C:
			// Errors are recorded in the state and logged by load.
			_ = vm.Refresh(ctx)
		}
	}
}

// Close stops Run. Loads still in flight are discarded when they complete.
func (vm *ViewModel) Close() {
	vm.closeOnce.Do(func() {
		vm.mu.Lock()
		vm.closed = true
		vm.mu.Unlock()
		close(vm.done)
	})
}

// indexOf must be called with vm.mu held.
func (vm *ViewModel) indexOf(id int64) int {
	return slices.IndexFunc(vm.comments, func(c Comment) bool { return c.ID == id })
}

// persistOverlay upserts the loaded comments into the stored overlay.
// Records of comments missing from the current list are kept, so a comment
// hidden by one fetch gets its stats back when it returns. It must be called
// with vm.mu held.
func (vm *ViewModel) persistOverlay(ctx context.Context) {
	stats := make([]Stat, 0, len(vm.comments))
	loaded := make(map[int64]bool, len(vm.comments))
	for _, c := range vm.comments {
		stats = append(stats, Stat{ID: c.ID, Likes: c.Likes, Dislikes: c.Dislikes, Replies: c.Replies})
		loaded[c.ID] = true
	}
	for _, s := range vm.overlay.Read(ctx, vm.key) {
		if !loaded[s.ID] {
			stats = append(stats, s)
		}
	}
	if err := vm.overlay.Write(ctx, vm.key, stats); err != nil {
		vm.logger.Error("Could not save comment stats", "error", err.Error())
	}
}

func cloneComments(in []Comment) []Comment {
	out := make([]Comment, len(in))
	for i, c := range in {
		out[i] = c.clone()
	}
	return out
}
