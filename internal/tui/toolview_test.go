package tui

import (
	"testing"

	tea "charm.land/bubbletea/v2"
	"github.com/xonecas/symb/internal/provider"
)

// TestToolResultViewOpensInEditor verifies that clicking the [view] button
// on a tool result entry loads its content into the editor pane.
func TestToolResultViewOpensInEditor(t *testing.T) {
	m := New(nil, nil, nil, "test", nil, "s", nil, nil, nil, "p", nil, nil, nil, provider.Options{}, nil)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = updated.(Model)

	// Inject a tool result entry with no backing file path, so the click
	// resolves to the raw-content fallback rather than touching the filesystem.
	entry := convEntry{
		display:  m.styles.ToolArrow.Render("←") + m.styles.BgFill.Render("  ") + m.styles.Dim.Render("Read foo.go") + m.styles.BgFill.Render("  ") + m.styles.Clickable.Render("view"),
		kind:     entryToolResult,
		full:     "Read foo.go\nsome content",
		toolName: "Read",
	}
	m.convEntries = append(m.convEntries, entry)
	m.frameLines = nil

	lines := m.wrappedConvLines()
	if len(lines) == 0 {
		t.Fatal("no conv lines")
	}
	convX := m.layout.conv.Min.X
	convY := m.layout.conv.Min.Y

	lw := displayWidth(entry.display)
	viewCol := lw - 2 // somewhere inside "view"

	clickX := convX + viewCol
	clickY := convY

	// MouseClickMsg sets convSel; MouseReleaseMsg fires the click handler.
	u1, _ := m.Update(tea.MouseClickMsg{X: clickX, Y: clickY, Button: tea.MouseLeft})
	m = u1.(Model)
	u2, cmd := m.Update(tea.MouseReleaseMsg{X: clickX, Y: clickY, Button: tea.MouseLeft})
	m = u2.(Model)
	if cmd != nil {
		msg := cmd()
		u3, _ := m.Update(msg)
		m = u3.(Model)
	}

	if m.focus != focusEditor {
		t.Fatal("expected focus to move to the editor after a [view] click")
	}
	if m.editor.Value() != entry.full {
		t.Fatalf("expected editor content %q, got %q", entry.full, m.editor.Value())
	}
}

// displayWidth counts visible runes, skipping ANSI escape sequences.
func displayWidth(s string) int {
	n := 0
	inEsc := false
	for _, r := range s {
		if inEsc {
			if r == 'm' {
				inEsc = false
			}
			continue
		}
		if r == '\x1b' {
			inEsc = true
			continue
		}
		n++
	}
	return n
}
