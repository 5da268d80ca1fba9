package comment

import (
	"cmp"
	"slices"
)

// SortByTop orders comments by likes, most liked first.
func SortByTop(a, b Comment) int {
	return cmp.Compare(b.Likes, a.Likes)
}

// SortByNewest orders comments by creation time, newest first.
func SortByNewest(a, b Comment) int {
	return b.CreatedAt.Compare(a.CreatedAt)
}

// Sort returns a copy of comments in the given order. Ties keep their
// relative order.
func Sort(comments []Comment, mode SortMode) []Comment {
	out := slices.Clone(comments)
	if mode == SortTop {
		slices.SortStableFunc(out, SortByTop)
	} else {
		slices.SortStableFunc(out, SortByNewest)
	}
	return out
}
