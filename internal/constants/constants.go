package constants

// SyntaxTheme is the Chroma lexer theme used to highlight code in the
// editor pane and in rendered tool results. Any theme name Chroma ships
// works here (monokai, dracula, nord, solarized-dark, github-dark, ...);
// see github.com/alecthomas/chroma/v2/styles for the full list.
const SyntaxTheme = "dracula"

// MaxToolResultPreviewBytes caps how much of a tool result's raw content
// the conversation pane scans for a hashline anchor (toolResultHashlineStart
// in the tui package).
const MaxToolResultPreviewBytes = 1 << 20
