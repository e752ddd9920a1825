package ptysession

import (
	"fmt"
	"time"
)

// Backend selects which pseudoterminal implementation a Session uses.
type Backend int

const (
	// ConPTY uses the Windows Pseudo-Console API. Preferred on Windows 10
	// 1809 and later.
	ConPTY Backend = iota
	// WinPTY uses the third-party winpty.dll agent, for hosts where
	// ConPTY is unavailable.
	WinPTY
)

func (b Backend) String() string {
	switch b {
	case ConPTY:
		return "conpty"
	case WinPTY:
		return "winpty"
	default:
		return "unknown"
	}
}

// MouseMode controls WinPTY mouse-event translation. Ignored by ConPTY,
// which has no equivalent setting.
type MouseMode int

const (
	// MouseModeNone disables mouse input translation.
	MouseModeNone MouseMode = iota
	// MouseModeAuto lets the agent decide based on the running program's
	// requested terminal modes.
	MouseModeAuto
	// MouseModeForce always translates mouse input regardless of the
	// running program's requested terminal modes.
	MouseModeForce
)

// AgentFlags is a bitmask of WinPTY agent configuration flags. Ignored by
// ConPTY.
type AgentFlags uint32

const (
	// AgentFlagColorEscapes asks the agent to use color escape sequences
	// rather than Console API calls when possible.
	AgentFlagColorEscapes AgentFlags = 1 << iota
	// AgentFlagAllowDesktopCreation permits the agent to create a hidden
	// desktop for this console session.
	AgentFlagAllowDesktopCreation
)

const (
	// DefaultCols and DefaultRows match this codebase's existing default
	// console geometry.
	DefaultCols = 80
	DefaultRows = 40

	// DefaultAgentTimeout bounds how long WinPTY's agent is given to
	// start up before winpty_open fails.
	DefaultAgentTimeout = 3 * time.Second

	// maxDimension mirrors the ConPTY/console API's own 16-bit coordinate
	// limit (a COORD field is an int16).
	maxDimension = 32767
)

// Options configures a Session before it is constructed. The zero value is
// not valid; use DefaultOptions as a starting point.
type Options struct {
	// Cols and Rows give the initial console geometry. Both must be
	// strictly positive and no larger than maxDimension.
	Cols int
	Rows int

	// Backend selects ConPTY or WinPTY.
	Backend Backend

	// MouseMode and AgentFlags apply only when Backend == WinPTY.
	MouseMode  MouseMode
	AgentFlags AgentFlags

	// AgentTimeout bounds WinPTY agent startup. Zero means
	// DefaultAgentTimeout. Ignored by ConPTY.
	AgentTimeout time.Duration

	// AgentDLLPath is carried through Options and the config file, but the
	// WinPTY backend does not read it: winpty.dll is always loaded from the
	// Windows system directory.
	AgentDLLPath string
}

// DefaultOptions returns an Options value with the library's default
// console geometry and the ConPTY backend selected.
func DefaultOptions() Options {
	return Options{
		Cols:         DefaultCols,
		Rows:         DefaultRows,
		Backend:      ConPTY,
		MouseMode:    MouseModeAuto,
		AgentTimeout: DefaultAgentTimeout,
	}
}

// Validate checks the option set against invariant 1 (§3): positive,
// in-range geometry, and a known Backend value. It does not check backend
// availability; that is
// deferred to New, which may fail with ErrInvalidConfiguration if the
// selected backend's API is unavailable on this host.
func (o Options) Validate() error {
	if o.Cols <= 0 || o.Rows <= 0 {
		return fmt.Errorf("%w: cols and rows must be positive, got %dx%d", ErrInvalidConfiguration, o.Cols, o.Rows)
	}
	if o.Cols > maxDimension || o.Rows > maxDimension {
		return fmt.Errorf("%w: cols and rows must be <= %d, got %dx%d", ErrInvalidConfiguration, maxDimension, o.Cols, o.Rows)
	}
	if o.Backend != ConPTY && o.Backend != WinPTY {
		return fmt.Errorf("%w: unknown backend %d", ErrInvalidConfiguration, o.Backend)
	}
	return nil
}
