package comment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// anonymous is shown when a comment has neither an author nor a guest name.
const anonymous = "Anonymous"

// ItemType names the kind of content a comment thread is attached to.
type ItemType string

const (
	News      ItemType = "news"
	Projects  ItemType = "projects"
	Resources ItemType = "resources"
)

// Valid reports whether t is one of the commentable content types.
func (t ItemType) Valid() bool {
	switch t {
	case News, Projects, Resources:
		return true
	}
	return false
}

// A Key identifies the comment thread of a single content item.
type Key struct {
	Type   ItemType
	ItemID int64
}

// Validate checks that the key can be used for a fetch.
func (k Key) Validate() error {
	if k.ItemID <= 0 {
		return &ValidationError{Message: "Invalid content ID"}
	}
	if !k.Type.Valid() {
		return &ValidationError{Message: fmt.Sprintf("Invalid content type %q", k.Type)}
	}
	return nil
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Type, k.ItemID)
}

// An Author is an authenticated commenter.
type Author struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// A Comment is a remote comment decorated with visitor-local counters and
// replies.
type Comment struct {
	ID         int64     `json:"id"`
	Content    string    `json:"content"`
	IsApproved bool      `json:"is_approved"`
	CreatedAt  time.Time `json:"created_at"`
	Author     *Author   `json:"author,omitempty"`
	GuestName  string    `json:"guest_name,omitempty"`
	Likes      int       `json:"likes"`
	Dislikes   int       `json:"dislikes"`
	Replies    []Comment `json:"replies"`
}

// UnmarshalJSON decodes a comment, accepting the authenticated identity
// under either "author" or "user". "author" wins when both are present.
func (c *Comment) UnmarshalJSON(b []byte) error {
	type plain Comment
	aux := struct {
		*plain
		User *Author `json:"user"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if c.Author == nil {
		c.Author = aux.User
	}
	return nil
}

// DisplayName returns the name shown next to the comment.
func (c Comment) DisplayName() string {
	if c.Author != nil && c.Author.Name != "" {
		return c.Author.Name
	}
	if c.GuestName != "" {
		return c.GuestName
	}
	return anonymous
}

func (c Comment) clone() Comment {
	if c.Replies != nil {
		replies := make([]Comment, len(c.Replies))
		for i, r := range c.Replies {
			replies[i] = r.clone()
		}
		c.Replies = replies
	}
	if c.Author != nil {
		a := *c.Author
		c.Author = &a
	}
	return c
}

// A NewComment is the body posted to the remote source.
type NewComment struct {
	Content   string `json:"content"`
	GuestName string `json:"guest_name,omitempty"`
}

// A Stat is the visitor-local overlay record of a single comment.
type Stat struct {
	ID       int64     `json:"id"`
	Likes    int       `json:"likes"`
	Dislikes int       `json:"dislikes"`
	Replies  []Comment `json:"replies"`
}

// Reaction is a visitor's reaction to a comment. The zero value means no
// reaction.
type Reaction string

const (
	NoReaction Reaction = ""
	Like       Reaction = "like"
	Dislike    Reaction = "dislike"
)

// ParseReaction parses like or dislike.
func ParseReaction(s string) (Reaction, error) {
	switch r := Reaction(strings.ToLower(strings.TrimSpace(s))); r {
	case Like, Dislike:
		return r, nil
	}
	return NoReaction, &ValidationError{Message: fmt.Sprintf("Unknown reaction %q", s)}
}

func (r Reaction) MarshalJSON() ([]byte, error) {
	if r == NoReaction {
		return []byte("null"), nil
	}
	return json.Marshal(string(r))
}

func (r *Reaction) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = NoReaction
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch Reaction(s) {
	case Like, Dislike:
		*r = Reaction(s)
	default:
		*r = NoReaction
	}
	return nil
}

// Reactions maps comment ids to the visitor's reaction for one item.
type Reactions map[int64]Reaction

func (r Reactions) clone() Reactions {
	out := make(Reactions, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// SortMode selects the display order of comments.
type SortMode string

const (
	SortNewest SortMode = "newest"
	SortTop    SortMode = "top"
)

// ParseSortMode returns the sort mode named by s, defaulting to newest.
func ParseSortMode(s string) SortMode {
	if SortMode(strings.ToLower(s)) == SortTop {
		return SortTop
	}
	return SortNewest
}

// A Viewer is the person looking at the comments.
type Viewer struct {
	// Author is set when the viewer is signed in.
	Author *Author
}

// Authenticated reports whether the viewer is signed in.
func (v Viewer) Authenticated() bool {
	return v.Author != nil
}
