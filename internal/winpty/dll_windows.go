//go:build windows

// Package winpty implements the WinPTY backend (spec §4.4): it drives the
// winpty.dll C ABI to open an agent, dials its conin/conout named pipes
// with github.com/Microsoft/go-winio, and wires the result into a shared
// internal/ptyengine.Engine in Sync mode.
package winpty

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Lazy-loaded winpty.dll procedures (spec §6 "Consumed OS/lib APIs"),
// mirroring how this codebase lazy-loads kernel32 for the ConPTY syscalls.
var (
	winptyDLL = windows.NewLazySystemDLL("winpty.dll")

	procConfigNew             = winptyDLL.NewProc("winpty_config_new")
	procConfigFree            = winptyDLL.NewProc("winpty_config_free")
	procConfigSetInitialSize  = winptyDLL.NewProc("winpty_config_set_initial_size")
	procConfigSetMouseMode    = winptyDLL.NewProc("winpty_config_set_mouse_mode")
	procConfigSetAgentTimeout = winptyDLL.NewProc("winpty_config_set_agent_timeout")

	procOpen       = winptyDLL.NewProc("winpty_open")
	procConinName  = winptyDLL.NewProc("winpty_conin_name")
	procConoutName = winptyDLL.NewProc("winpty_conout_name")
	procSetSize    = winptyDLL.NewProc("winpty_set_size")
	procFree       = winptyDLL.NewProc("winpty_free")

	procSpawnConfigNew  = winptyDLL.NewProc("winpty_spawn_config_new")
	procSpawnConfigFree = winptyDLL.NewProc("winpty_spawn_config_free")
	procSpawn           = winptyDLL.NewProc("winpty_spawn")

	procErrorMsg  = winptyDLL.NewProc("winpty_error_msg")
	procErrorFree = winptyDLL.NewProc("winpty_error_free")
)

const (
	// winptyMouseModeNone/Auto/Force mirror the agent's WINPTY_MOUSE_MODE_*
	// enum and back ptysession.MouseMode.
	winptyMouseModeNone  = 0
	winptyMouseModeAuto  = 1
	winptyMouseModeForce = 2

	// spawnFlagAutoShutdown tells the agent to exit once the spawned
	// process and all its I/O handles are closed.
	spawnFlagAutoShutdown = 1

	winptyErrorSuccess = 0
)

func isAvailable() bool {
	return procConfigNew.Find() == nil
}

// errMsg reads the human-readable message from a winpty_error_t* and frees
// it. A nil/zero pointer yields a generic message.
func errMsg(errPtr uintptr) string {
	if errPtr == 0 {
		return "unknown winpty error"
	}
	defer procErrorFree.Call(errPtr)
	msgPtr, _, _ := procErrorMsg.Call(errPtr)
	if msgPtr == 0 {
		return "unknown winpty error"
	}
	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(msgPtr)))
}

// newConfig builds a winpty_config_t* honoring cols/rows/mouseMode/flags,
// mirroring the `winpty_config_new/_set_initial_size/_set_mouse_mode`
// sequence named in spec §6.
func newConfig(flags uint32, cols, rows uint32, mouseMode uint32, timeoutMS uint32) (uintptr, error) {
	var errPtr uintptr
	cfg, _, _ := procConfigNew.Call(uintptr(flags), uintptr(unsafe.Pointer(&errPtr)))
	if cfg == 0 {
		return 0, fmt.Errorf("winpty_config_new failed: %s", errMsg(errPtr))
	}
	procConfigSetInitialSize.Call(cfg, uintptr(cols), uintptr(rows))
	procConfigSetMouseMode.Call(cfg, uintptr(mouseMode))
	if timeoutMS > 0 {
		procConfigSetAgentTimeout.Call(cfg, uintptr(timeoutMS))
	}
	return cfg, nil
}

// openAgent opens the agent described by cfg, returning the agent handle
// and its conin/conout pipe names.
func openAgent(cfg uintptr) (agent uintptr, coninName, conoutName string, err error) {
	var errPtr uintptr
	agent, _, _ = procOpen.Call(cfg, uintptr(unsafe.Pointer(&errPtr)))
	procConfigFree.Call(cfg)
	if agent == 0 {
		return 0, "", "", fmt.Errorf("winpty_open failed: %s", errMsg(errPtr))
	}

	coninPtr, _, _ := procConinName.Call(agent)
	conoutPtr, _, _ := procConoutName.Call(agent)
	coninName = windows.UTF16PtrToString((*uint16)(unsafe.Pointer(coninPtr)))
	conoutName = windows.UTF16PtrToString((*uint16)(unsafe.Pointer(conoutPtr)))
	return agent, coninName, conoutName, nil
}

// spawn builds a winpty_spawn_config_t* and calls winpty_spawn, returning
// the child process handle. appName and cmdLine are passed through as
// separate parameters to winpty_spawn_config_new, matching its C
// signature (appname, cmdline, cwd, env).
func spawn(agent uintptr, appName, cmdLine, cwd string, env []string) (windows.Handle, error) {
	var appNamePtr *uint16
	var err error
	if appName != "" {
		appNamePtr, err = windows.UTF16PtrFromString(appName)
		if err != nil {
			return 0, err
		}
	}
	var cmdLinePtr *uint16
	if cmdLine != "" {
		cmdLinePtr, err = windows.UTF16PtrFromString(cmdLine)
		if err != nil {
			return 0, err
		}
	}
	var cwdPtr *uint16
	if cwd != "" {
		cwdPtr, err = windows.UTF16PtrFromString(cwd)
		if err != nil {
			return 0, err
		}
	}
	var envPtr *uint16
	if len(env) > 0 {
		envPtr, err = utf16EnvBlock(env)
		if err != nil {
			return 0, err
		}
	}

	var spawnErrPtr uintptr
	spawnCfg, _, _ := procSpawnConfigNew.Call(
		uintptr(spawnFlagAutoShutdown),
		uintptr(unsafe.Pointer(appNamePtr)),
		uintptr(unsafe.Pointer(cmdLinePtr)),
		uintptr(unsafe.Pointer(cwdPtr)),
		uintptr(unsafe.Pointer(envPtr)),
		uintptr(unsafe.Pointer(&spawnErrPtr)),
	)
	if spawnCfg == 0 {
		return 0, fmt.Errorf("winpty_spawn_config_new failed: %s", errMsg(spawnErrPtr))
	}
	defer procSpawnConfigFree.Call(spawnCfg)

	var childHandle uintptr
	var lastError uint32
	var errPtr uintptr
	ret, _, _ := procSpawn.Call(
		agent, spawnCfg,
		uintptr(unsafe.Pointer(&childHandle)),
		0,
		uintptr(unsafe.Pointer(&lastError)),
		uintptr(unsafe.Pointer(&errPtr)),
	)
	if ret == 0 {
		return 0, fmt.Errorf("winpty_spawn failed (GetLastError=%d): %s", lastError, errMsg(errPtr))
	}
	return windows.Handle(childHandle), nil
}

func setSize(agent uintptr, cols, rows uint32) {
	procSetSize.Call(agent, uintptr(cols), uintptr(rows), 0)
}

func free(agent uintptr) {
	procFree.Call(agent)
}

func utf16EnvBlock(env []string) (*uint16, error) {
	var block []uint16
	for _, e := range env {
		if e == "" {
			continue
		}
		u, err := windows.UTF16FromString(e)
		if err != nil {
			return nil, err
		}
		block = append(block, u[:len(u)-1]...)
		block = append(block, 0)
	}
	if len(block) == 0 {
		return nil, nil
	}
	block = append(block, 0)
	return &block[0], nil
}

func mouseModeCode(m int) uint32 {
	switch m {
	case 2:
		return winptyMouseModeForce
	case 0:
		return winptyMouseModeNone
	default:
		return winptyMouseModeAuto
	}
}
