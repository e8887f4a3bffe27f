package tui

import (
	"context"
	"image"
	"regexp"
	"sync/atomic"
	"time"

	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"github.com/xonecas/symb/internal/constants"
	"github.com/xonecas/symb/internal/delta"
	"github.com/xonecas/symb/internal/filesearch"
	"github.com/xonecas/symb/internal/llm"
	"github.com/xonecas/symb/internal/mcp"
	"github.com/xonecas/symb/internal/mcptools"
	"github.com/xonecas/symb/internal/provider"
	"github.com/xonecas/symb/internal/store"
	"github.com/xonecas/symb/internal/treesitter"
	"github.com/xonecas/symb/internal/tui/editor"
	"github.com/xonecas/symb/internal/tui/modal"
)

// ---------------------------------------------------------------------------
// Layout
// ---------------------------------------------------------------------------

// layout holds computed rectangles for every TUI region.
// Recomputed from terminal dimensions on every resize.
type layout struct {
	editor image.Rectangle // Left pane: code viewer
	conv   image.Rectangle // Right pane: conversation log
	sep    image.Rectangle // Right pane: separator between conv and input
	input  image.Rectangle // Right pane: agent input
	div    image.Rectangle // Vertical divider column (1-wide)
}

const (
	inputRows       = 3 // Agent input height
	statusRows      = 2 // Status separator + status bar
	minPaneWidth    = 20
	maxDisplayTurns = 40 // Cap on rendered turns; older ones stay in the DB only
)

// entryKind distinguishes conversation entry types for click/render handling.
type entryKind int

const (
	entryText       entryKind = iota // Plain text (user, assistant, reasoning)
	entryToolResult                  // Tool result — clickable [view]
	entryUndo                        // Centered undo control
	entryToolDiag                    // LSP diagnostic line under a tool result
	entryToolCall                    // "→ Tool(args)" line
	entrySeparator                   // Turn separator (duration/timestamp/tokens)
)

// convEntry is a single logical entry in the conversation pane.
type convEntry struct {
	display  string    // Styled text for rendering (may be truncated for tool results)
	kind     entryKind // Entry type
	filePath string    // Source file path (for tool results that reference a file)
	full     string    // Fallback raw content (Grep/Shell/WebFetch results, undo separator text)
	line     int       // Target line for cursor positioning when opened
	toolName string    // Name of the tool that produced this entry
}

// roleAssistant is the provider.Message role used for assistant turns.
const roleAssistant = "assistant"

// toolResultFileRe extracts the file path from "Opened path ..." / "Edited path ..." / "Created path ..." headers.
var toolResultFileRe = regexp.MustCompile(`^(?:Opened|Edited|Created|Read)\s+(\S+)`)

// toolResultLineRe extracts a starting line number from "(lines N-M)" markers
// in Read tool results.
var toolResultLineRe = regexp.MustCompile(`\(lines (\d+)-\d+\)`)

// toolResultRangeRe extracts the full "(lines N-M)" range from a Read result.
var toolResultRangeRe = regexp.MustCompile(`\(lines (\d+)-(\d+)\)`)

// generateLayout computes all regions from terminal size and divider position.
func generateLayout(width, height, divX int) layout {
	contentH := height - statusRows
	if contentH < 1 {
		contentH = 1
	}

	// Vertical divider splits left/right at column divX.
	rightX := divX + 1
	rightW := width - rightX
	if rightW < 1 {
		rightW = 1
	}

	// Right pane vertical splits: conv | sep(1) | input(3)
	sepY := contentH - inputRows - 1
	if sepY < 0 {
		sepY = 0
	}
	inputY := contentH - inputRows
	if inputY < 0 {
		inputY = 0
	}

	return layout{
		editor: image.Rect(0, 0, divX, contentH),
		div:    image.Rect(divX, 0, divX+1, contentH),
		conv:   image.Rect(rightX, 0, rightX+rightW, sepY),
		sep:    image.Rect(rightX, sepY, rightX+rightW, sepY+1),
		input:  image.Rect(rightX, inputY, rightX+rightW, inputY+inputRows),
	}
}

// inRect returns true if screen point (x,y) is inside r.
func inRect(x, y int, r image.Rectangle) bool {
	return image.Pt(x, y).In(r)
}

// ---------------------------------------------------------------------------
// Focus
// ---------------------------------------------------------------------------

type focus int

const (
	focusInput  focus = iota // Default: agent input has focus
	focusEditor              // Code viewer has focus
)

// setFocus switches input focus between the agent input and the editor pane,
// blurring the other component.
func (m *Model) setFocus(f focus) {
	m.focus = f
	switch f {
	case focusInput:
		m.editor.Blur()
		m.agentInput.Focus()
	case focusEditor:
		m.agentInput.Blur()
		m.editor.Focus()
	}
}

// isCentered reports whether the wrapped conversation line at lineIdx belongs
// to an entry that should be center-aligned (turn separators and the undo
// control), rather than left-aligned like ordinary text.
func (m *Model) isCentered(lineIdx int) bool {
	m.wrappedConvLines()
	src := m.convLineSource
	if lineIdx < 0 || lineIdx >= len(src) {
		return false
	}
	entryIdx := src[lineIdx]
	if entryIdx < 0 || entryIdx >= len(m.convEntries) {
		return false
	}
	switch m.convEntries[entryIdx].kind {
	case entrySeparator, entryUndo:
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Conversation selection
// ---------------------------------------------------------------------------

// convPos is a cursor position within the wrapped conversation lines.
type convPos struct {
	line int
	col  int
}

// convSelection tracks a text selection in the conversation pane via
// anchor+active points, mirroring the editor component's own selection model.
type convSelection struct {
	anchor convPos
	active convPos
}

// empty returns true when anchor == active (no actual selection, i.e. a plain click).
func (s convSelection) empty() bool {
	return s.anchor == s.active
}

// ordered returns the selection endpoints in document order.
func (s convSelection) ordered() (start, end convPos) {
	if s.anchor.line > s.active.line ||
		(s.anchor.line == s.active.line && s.anchor.col > s.active.col) {
		return s.active, s.anchor
	}
	return s.anchor, s.active
}

// ---------------------------------------------------------------------------
// turnBoundary
// ---------------------------------------------------------------------------

// turnBoundary marks where a user turn begins, so undo can roll the
// conversation, token counters, and DB state back to right before it.
type turnBoundary struct {
	convIdx      int   // Index into convEntries where this turn's display begins
	dbMsgID      int64 // DB row ID of the user message (0 until saved)
	inputTokens  int   // Cumulative input tokens snapshotted before this turn
	outputTokens int   // Cumulative output tokens snapshotted before this turn
}

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

// Model is the top-level TUI model.
type Model struct {
	// Terminal dimensions and layout
	width, height int
	layout        layout
	divX          int // Divider X position (resizable)
	focus         focus
	styles        Styles
	resizingPane  bool

	// Sub-models
	editor     editor.Model
	agentInput editor.Model

	// LLM / provider
	provider           provider.Provider
	mcpProxy           *mcp.Proxy
	mcpTools           []mcp.Tool
	updateChan         chan tea.Msg
	ctx                context.Context
	cancel             context.CancelFunc
	registry           *provider.Registry
	providerOpts       provider.Options
	providerConfigName string
	currentModelName   string
	cachedModels       []provider.TaggedModel
	sharedProvider     *atomic.Pointer[provider.Provider]
	initialSystemMsg   *provider.Message
	scratchpad         llm.ScratchpadReader
	turnState          *llm.ConversationState

	// Turn / session state
	turnCtx           context.Context
	turnCancel        context.CancelFunc
	turnPending       bool
	llmInFlight       bool
	turnBoundaries    []turnBoundary
	pendingToolCalls  map[string]provider.ToolCall
	totalInputTokens  int
	totalOutputTokens int
	turnInputTokens   int
	turnOutputTokens  int
	turnContextTokens int
	sessionID         string

	// Persistence / domain services
	store          *store.Cache
	deltaTracker   *delta.Tracker
	fileTracker    *mcptools.FileReadTracker
	tsIndex        *treesitter.Index
	searcher       *filesearch.Searcher
	storeQueue     chan storeBatch
	storeQueueDone <-chan struct{}

	// Conversation display
	convEntries    []convEntry // Conversation entries (not wrapped)
	convLineSource []int       // Maps each wrapped line -> index in convEntries
	frameLines     []string    // Wrapped visual lines, cached for the current frame only
	scrollOffset   int         // Lines from bottom (0 = pinned)
	convSel        *convSelection
	convDragging   bool
	atOffset       int // Cursor offset of the '@' that opened the file modal

	// Streaming state: raw text accumulated during streaming, styled at render time
	streamingReasoning string // In-progress reasoning text
	streamingContent   string // In-progress content text
	streaming          bool   // Whether we're currently streaming
	streamEntryStart   int    // Index in convEntries where streaming entries begin (-1 = none)
	streamDirty        bool   // Set on each delta; cleared by the frame tick rebuild

	// Editor / file state
	editorFilePath string
	lspErrors      int
	lspWarnings    int

	// Modals
	fileModal     *modal.Model
	keybindsModal *modal.Model
	modelsModal   *modal.Model
	toolViewModal *modal.ToolView

	// Status bar
	gitBranch    string
	gitDirty     bool
	lastNetError string
	spinFrame    int
	spinFrameAt  time.Time
	undoInFlight bool
}

// New creates a new TUI model. db, dt, fileTracker, tsIndex, registry, and
// searcher may all be nil — each feature they back (persistence, undo, file
// tracking, symbol search, model listing, @-mention file search) degrades
// gracefully when its dependency is absent.
func New(
	prov provider.Provider,
	proxy *mcp.Proxy,
	tools []mcp.Tool,
	modelID string,
	db *store.Cache,
	sessionID string,
	tsIndex *treesitter.Index,
	dt *delta.Tracker,
	fileTracker *mcptools.FileReadTracker,
	providerConfigName string,
	scratchpad llm.ScratchpadReader,
	resumeHistory []provider.Message,
	registry *provider.Registry,
	providerOpts provider.Options,
	searcher *filesearch.Searcher,
) Model {
	sty := DefaultStyles()
	cursorStyle := lipgloss.NewStyle().Foreground(ColorHighlight)

	ed := editor.New()
	ed.ShowLineNumbers = true
	ed.ReadOnly = true
	ed.Language = "markdown"
	ed.SyntaxTheme = constants.SyntaxTheme
	ed.CursorStyle = cursorStyle
	ed.LineNumStyle = lipgloss.NewStyle().Foreground(ColorBorder)
	ed.DiagErrStyle = lipgloss.NewStyle().Foreground(ColorError)
	ed.DiagWarnStyle = lipgloss.NewStyle().Foreground(ColorWarning)
	ed.BgColor = ColorBg

	ai := editor.New()
	ai.Placeholder = "Type a message..."
	ai.CursorStyle = cursorStyle
	ai.PlaceholderSty = lipgloss.NewStyle().Foreground(ColorDim).Background(ColorBg)
	ai.BgColor = ColorBg
	ai.Focus()

	ch := make(chan tea.Msg, 500)
	ctx, cancel := context.WithCancel(context.Background())

	var systemMsg *provider.Message
	if systemPrompt := llm.BuildSystemPrompt(modelID, tsIndex); systemPrompt != "" {
		systemMsg = &provider.Message{Role: "system", Content: systemPrompt, CreatedAt: time.Now()}
	}

	var queue chan storeBatch
	var queueDone <-chan struct{}
	if db != nil {
		queue = make(chan storeBatch, 64)
		queueDone = startStoreWorker(db, queue)
	}

	sharedProv := &atomic.Pointer[provider.Provider]{}
	sharedProv.Store(&prov)

	m := Model{
		editor:     ed,
		agentInput: ai,
		styles:     sty,
		focus:      focusInput,

		provider:           prov,
		mcpProxy:           proxy,
		mcpTools:           tools,
		updateChan:         ch,
		ctx:                ctx,
		cancel:             cancel,
		registry:           registry,
		providerOpts:       providerOpts,
		providerConfigName: providerConfigName,
		sharedProvider:     sharedProv,
		initialSystemMsg:   systemMsg,
		scratchpad:         scratchpad,
		turnState:          llm.NewConversationState(),

		sessionID: sessionID,

		store:        db,
		deltaTracker: dt,
		fileTracker:  fileTracker,
		tsIndex:      tsIndex,
		searcher:     searcher,

		storeQueue:     queue,
		storeQueueDone: queueDone,

		convEntries: historyConvEntries(resumeHistory),

		streamEntryStart: -1,
	}
	return m
}

// Init starts cursor blink, plus the frame tick (drives the status-bar spinner
// and streaming rebuilds) and git branch poll loops.
func (m Model) Init() tea.Cmd {
	return tea.Batch(func() tea.Msg { return editor.Blink() }, frameTick(), gitBranchCmd())
}
