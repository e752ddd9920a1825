// Package ptysession hosts a child process inside a Windows pseudoterminal
// and exchanges VT-encoded byte streams with it.
//
// A Session wraps one of two backends: ConPTY (the Windows Pseudo-Console
// API, preferred on Windows 10 1809+) or WinPTY (a third-party agent for
// older hosts). Both backends delegate stream handling to a shared
// concurrent I/O engine (package internal/ptyengine) that pumps bytes off
// a reader goroutine into a channel, serializes writes under a mutex, and
// performs ordered teardown.
//
//	s, err := ptysession.New(ptysession.DefaultOptions())
//	if err != nil { ... }
//	defer s.Close()
//	if err := s.Spawn(`C:\Windows\System32\cmd.exe`, "", "", nil); err != nil { ... }
//	n, err := s.Write([]byte("echo hi\r\n"))
//	buf, err := s.Read(true)
//
// Non-Windows PTYs are never a selectable production Backend; a
// creack/pty-backed double exists only to exercise the platform-independent
// half of the I/O engine in tests on non-Windows hosts.
package ptysession
