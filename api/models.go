package api

import (
	"time"

	"github.com/civicsite/commentview/comment"
)

// A Comment is a comment as rendered for a visitor.
type Comment struct {
	ID        int64            `json:"id"`
	Content   string           `json:"content"`
	Author    string           `json:"author"`
	CreatedAt time.Time        `json:"created_at"`
	Likes     int              `json:"likes"`
	Dislikes  int              `json:"dislikes"`
	Reaction  comment.Reaction `json:"reaction"`
	Replies   []Comment        `json:"replies"`
}

// A Thread is the rendered comment list of an item.
type Thread struct {
	Type     comment.ItemType `json:"type"`
	ItemID   int64            `json:"item_id"`
	Sort     comment.SortMode `json:"sort"`
	Comments []Comment        `json:"comments"`
	// Message is a user-facing notice, such as comments being unavailable.
	Message string `json:"message,omitempty"`
}

func apiComment(c comment.Comment, reactions comment.Reactions) Comment {
	out := Comment{
		ID:        c.ID,
		Content:   c.Content,
		Author:    c.DisplayName(),
		CreatedAt: c.CreatedAt,
		Likes:     c.Likes,
		Dislikes:  c.Dislikes,
		Reaction:  reactions[c.ID],
		Replies:   make([]Comment, len(c.Replies)),
	}
	for i, r := range c.Replies {
		out.Replies[i] = apiComment(r, reactions)
	}
	return out
}

func apiThread(st comment.State) Thread {
	th := Thread{
		Type:     st.Key.Type,
		ItemID:   st.Key.ItemID,
		Sort:     st.Sort,
		Comments: make([]Comment, len(st.Comments)),
		Message:  st.Message,
	}
	for i, c := range st.Comments {
		th.Comments[i] = apiComment(c, st.Reactions)
	}
	return th
}
