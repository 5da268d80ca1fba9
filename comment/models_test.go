package comment

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestComment_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     *Author
		wantName string
	}{
		{
			name:     "Author",
			body:     `{"id":1,"content":"Hi","is_approved":true,"author":{"id":3,"name":"Editor"}}`,
			want:     &Author{ID: 3, Name: "Editor"},
			wantName: "Editor",
		},
		{
			name:     "User",
			body:     `{"id":1,"content":"Hi","is_approved":true,"user":{"id":4,"name":"Ann"}}`,
			want:     &Author{ID: 4, Name: "Ann"},
			wantName: "Ann",
		},
		{
			name:     "AuthorWinsOverUser",
			body:     `{"id":1,"author":{"id":3,"name":"Editor"},"user":{"id":4,"name":"Ann"}}`,
			want:     &Author{ID: 3, Name: "Editor"},
			wantName: "Editor",
		},
		{
			name:     "Guest",
			body:     `{"id":1,"guest_name":"Bob"}`,
			wantName: "Bob",
		},
		{
			name:     "NestedReply",
			body:     `{"id":1,"replies":[{"id":2,"user":{"id":5,"name":"Cy"}}]}`,
			wantName: "Anonymous",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Comment
			if err := json.Unmarshal([]byte(tt.body), &c); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, c.Author); diff != "" {
				t.Errorf("author mismatch (-want +got):\n%s", diff)
			}
			if got := c.DisplayName(); got != tt.wantName {
				t.Errorf("DisplayName() = %q, want %q", got, tt.wantName)
			}
			if c.ID != 1 {
				t.Errorf("ID = %d, want 1", c.ID)
			}
		})
	}
}

func TestComment_AuthorRoundTrip(t *testing.T) {
	in := Comment{ID: 9, Content: "Hi", Author: &Author{ID: 3, Name: "Editor"}, Replies: []Comment{
		{ID: 10, Author: &Author{ID: 4, Name: "Ann"}, Replies: []Comment{}},
	}}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Comment
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("comment mismatch (-want +got):\n%s", diff)
	}
}
