package conflict

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// previewFields are the text fields shown when a conflict needs review.
var previewFields = []string{"title", "content"}

// ContentDiff renders a unified-style preview of how the remote copy's
// text fields differ from the local copy. Unchanged fields are omitted.
func (c Conflict) ContentDiff() string {
	dmp := diffmatchpatch.New()

	var b strings.Builder

	for _, field := range previewFields {
		local, _ := c.Local.Data[field].(string)
		remote, _ := c.Remote.Data[field].(string)

		if local == remote {
			continue
		}

		diffs := dmp.DiffMain(local, remote, true)
		if len(diffs) > 2 {
			diffs = dmp.DiffCleanupSemantic(diffs)
		}

		fmt.Fprintf(&b, "--- %s (local)\n+++ %s (remote)\n", field, field)

		for _, d := range diffs {
			var marker string

			switch d.Type {
			case diffmatchpatch.DiffDelete:
				marker = "-"
			case diffmatchpatch.DiffInsert:
				marker = "+"
			default:
				marker = " "
			}

			for _, line := range strings.Split(d.Text, "\n") {
				if line == "" {
					continue
				}

				b.WriteString(marker)
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
	}

	return b.String()
}
