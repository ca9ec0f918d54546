package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// gutter separates boxes that share a level.
const gutter = "  "

// RenderASCII draws the model one level per row of boxes, top to bottom,
// and lists every transition below. Taken transitions are starred.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		row := make([]box, 0, len(level))
		for _, id := range level {
			if n := model.Node(id); n != nil {
				row = append(row, newBox(n))
			}
		}
		if len(row) == 0 {
			continue
		}
		writeRow(&b, row)
		if i < len(model.Levels)-1 {
			b.WriteString("       │\n       ▼\n")
		}
	}

	b.WriteString("\ntransitions:\n")
	for _, e := range model.Edges {
		mark := ' '
		if e.Taken {
			mark = '*'
		}
		var label string
		if e.Label != "" {
			label = " [" + e.Label + "]"
		}
		fmt.Fprintf(&b, "  %c %s ─→ %s%s\n", mark, e.From, e.To, label)
	}
	return b.String()
}

// statusTag is the overlay line shown under a node label, e.g. "[OK] x2".
func statusTag(s *StatusOverlay) string {
	tags := map[string]string{
		StatusVisited:   "[OK]",
		StatusFailed:    "[FAIL]",
		StatusSuspended: "[WAIT]",
	}
	tag, ok := tags[s.Status]
	if !ok {
		return ""
	}
	if s.Visits > 1 {
		tag = fmt.Sprintf("%s x%d", tag, s.Visits)
	}
	return tag
}

// box is a rendered node: border lines of equal display width.
type box []string

func newBox(n *Node) box {
	text := strings.Split(n.Label, "\n")
	if n.Status != nil {
		if tag := statusTag(n.Status); tag != "" {
			text = append(text, tag)
		}
	}
	inner := 0
	for _, line := range text {
		inner = max(inner, utf8.RuneCountInString(line))
	}

	edge := strings.Repeat("─", inner+2)
	out := make(box, 0, len(text)+2)
	out = append(out, "┌"+edge+"┐")
	for _, line := range text {
		out = append(out, "│ "+line+strings.Repeat(" ", inner-utf8.RuneCountInString(line))+" │")
	}
	return append(out, "└"+edge+"┘")
}

func (bx box) width() int {
	return utf8.RuneCountInString(bx[0])
}

// writeRow prints boxes side by side, padding shorter ones at the bottom.
func writeRow(b *strings.Builder, row []box) {
	height := 0
	for _, bx := range row {
		height = max(height, len(bx))
	}
	for line := range height {
		for i, bx := range row {
			if i > 0 {
				b.WriteString(gutter)
			}
			if line < len(bx) {
				b.WriteString(bx[line])
			} else {
				b.WriteString(strings.Repeat(" ", bx.width()))
			}
		}
		b.WriteByte('\n')
	}
}
