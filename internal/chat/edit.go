package chat

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Revision describes the last local edit of a message: a compact delta
// from the previous text and the rune counts it inserted and deleted.
type Revision struct {
	Delta    string
	Inserted int
	Deleted  int
}

// IsZero reports whether no edit was recorded.
func (r Revision) IsZero() bool { return r == Revision{} }

// DescribeEdit diffs two versions of a message body.
func DescribeEdit(before, after string) Revision {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))

	var r Revision

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			r.Inserted += len([]rune(d.Text))
		case diffmatchpatch.DiffDelete:
			r.Deleted += len([]rune(d.Text))
		case diffmatchpatch.DiffEqual:
		}
	}

	r.Delta = dmp.DiffToDelta(diffs)

	return r
}
