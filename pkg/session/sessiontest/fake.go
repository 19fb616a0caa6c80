// Package sessiontest provides an in-memory fake host implementing
// session.Session for component tests. It emulates the handful of shell
// commands the components issue (mkdir, mv, ln, rm, ls, cat) against an
// in-memory filesystem and lets tests script everything else.
package sessiontest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/botdock/botdock/pkg/session"
	"github.com/botdock/botdock/pkg/types"
)

// Handler intercepts a remote command. Return handled=false to fall through
// to the built-in emulation.
type Handler func(cmd string) (res *session.Result, err error, handled bool)

// Fake is a scripted Session backed by an in-memory filesystem
type Fake struct {
	Home string

	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	links    map[string]string
	commands []string
	handlers []Handler
	progress session.ProgressFunc
	closed   bool
}

var _ session.Session = (*Fake)(nil)

// New returns a Fake with the given remote home directory
func New(home string) *Fake {
	return &Fake{
		Home:  home,
		files: map[string][]byte{},
		dirs:  map[string]bool{"/": true, home: true},
		links: map[string]string{},
	}
}

// Handle registers a command interceptor; later registrations win
func (f *Fake) Handle(h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append([]Handler{h}, f.handlers...)
}

// HandlePrefix intercepts commands starting with prefix
func (f *Fake) HandlePrefix(prefix string, res *session.Result, err error) {
	f.Handle(func(cmd string) (*session.Result, error, bool) {
		if strings.HasPrefix(cmd, prefix) {
			return res, err, true
		}
		return nil, nil, false
	})
}

// Commands returns every command Run has seen, in order
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// PutFile seeds a remote file
func (f *Fake) PutFile(p string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putFileLocked(p, data)
}

func (f *Fake) putFileLocked(p string, data []byte) {
	f.files[p] = append([]byte(nil), data...)
	for d := path.Dir(p); d != "/" && d != "."; d = path.Dir(d) {
		f.dirs[d] = true
	}
}

// FileContent returns a remote file's bytes, following one level of symlink
// indirection on its directory
func (f *Fake) FileContent(p string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[f.resolveLocked(p)]
	return data, ok
}

// Link returns the target of a symlink created via ln -sfn
func (f *Fake) Link(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target, ok := f.links[p]
	return target, ok
}

// SetLink seeds a symlink
func (f *Fake) SetLink(link, target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[link] = target
}

// resolveLocked rewrites a path whose first existing ancestor is a symlink
func (f *Fake) resolveLocked(p string) string {
	for link, target := range f.links {
		if p == link {
			return target
		}
		if strings.HasPrefix(p, link+"/") {
			return target + strings.TrimPrefix(p, link)
		}
	}
	return p
}

// Run emulates the command or dispatches to a registered handler
func (f *Fake) Run(_ context.Context, cmd string, _ ...session.RunOption) (*session.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	handlers := append([]Handler(nil), f.handlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		if res, err, handled := h(cmd); handled {
			if res == nil {
				res = &session.Result{}
			}
			return res, err
		}
	}

	// Emulate each && -joined stage; the last stage's output wins.
	last := &session.Result{}
	for _, stage := range strings.Split(cmd, " && ") {
		res, err := f.emulate(strings.TrimSpace(stage))
		if err != nil || res.ExitCode != 0 {
			return res, err
		}
		last = res
	}
	return last, nil
}

func (f *Fake) emulate(cmd string) (*session.Result, error) {
	args := splitArgs(cmd)
	if len(args) == 0 {
		return &session.Result{}, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch args[0] {
	case "mkdir":
		for _, a := range args[1:] {
			if !strings.HasPrefix(a, "-") {
				f.dirs[a] = true
			}
		}
	case "mv":
		paths := nonFlags(args[1:])
		if len(paths) == 2 {
			src := f.resolveLocked(paths[0])
			if data, ok := f.files[src]; ok {
				delete(f.files, src)
				f.putFileLocked(f.resolveLocked(paths[1]), data)
			} else {
				return &session.Result{ExitCode: 1, Stderr: "mv: no such file"}, &types.RemoteExecError{Cmd: cmd, ExitCode: 1, Stderr: "mv: no such file"}
			}
		}
	case "ln":
		paths := nonFlags(args[1:])
		if len(paths) == 2 {
			f.links[paths[1]] = paths[0]
		}
	case "rm":
		for _, p := range nonFlags(args[1:]) {
			delete(f.files, p)
			delete(f.dirs, p)
			delete(f.links, p)
			for fp := range f.files {
				if strings.HasPrefix(fp, p+"/") {
					delete(f.files, fp)
				}
			}
			for dp := range f.dirs {
				if strings.HasPrefix(dp, p+"/") {
					delete(f.dirs, dp)
				}
			}
		}
	case "ls":
		dir := ""
		if paths := nonFlags(args[1:]); len(paths) == 1 {
			dir = f.resolveLocked(paths[0])
		}
		children := map[string]bool{}
		for p := range f.files {
			if path.Dir(p) == dir {
				children[path.Base(p)] = true
			}
		}
		for p := range f.dirs {
			if path.Dir(p) == dir && p != dir {
				children[path.Base(p)] = true
			}
		}
		for p := range f.links {
			if path.Dir(p) == dir {
				children[path.Base(p)] = true
			}
		}
		names := make([]string, 0, len(children))
		for name := range children {
			names = append(names, name)
		}
		sort.Strings(names)
		out := strings.Join(names, "\n")
		if out != "" {
			out += "\n"
		}
		return &session.Result{Stdout: out}, nil
	case "cat":
		if paths := nonFlags(args[1:]); len(paths) == 1 {
			if data, ok := f.files[f.resolveLocked(paths[0])]; ok {
				return &session.Result{Stdout: string(data)}, nil
			}
			return &session.Result{ExitCode: 1, Stderr: "cat: no such file"}, &types.RemoteExecError{Cmd: cmd, ExitCode: 1, Stderr: "cat: no such file"}
		}
	case "readlink":
		if paths := nonFlags(args[1:]); len(paths) == 1 {
			if target, ok := f.links[paths[0]]; ok {
				return &session.Result{Stdout: target + "\n"}, nil
			}
			return &session.Result{ExitCode: 1}, &types.RemoteExecError{Cmd: cmd, ExitCode: 1, Stderr: "readlink: no such link"}
		}
	case "true", "sync":
	}
	return &session.Result{}, nil
}

// Upload stores the data in the fake filesystem
func (f *Fake) Upload(_ context.Context, data []byte, remotePath string, _ os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putFileLocked(f.resolveLocked(remotePath), data)
	return nil
}

// Download returns the file's bytes
func (f *Fake) Download(_ context.Context, remotePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[f.resolveLocked(remotePath)]
	if !ok {
		return nil, &types.NetworkError{Host: "fake", Err: fmt.Errorf("no such file: %s", remotePath)}
	}
	return append([]byte(nil), data...), nil
}

// DownloadTo streams the file's bytes into w
func (f *Fake) DownloadTo(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	data, err := f.Download(ctx, remotePath)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Exists reports whether the path is a known file, dir, or link
func (f *Fake) Exists(_ context.Context, remotePath string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.resolveLocked(remotePath)
	if _, ok := f.files[p]; ok {
		return true, nil
	}
	if f.dirs[p] {
		return true, nil
	}
	_, ok := f.links[remotePath]
	return ok, nil
}

// HomeDir returns the configured home
func (f *Fake) HomeDir(context.Context) (string, error) {
	return f.Home, nil
}

// SetProgress records the progress hook
func (f *Fake) SetProgress(fn session.ProgressFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = fn
}

// Close marks the session closed
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func nonFlags(args []string) []string {
	var out []string
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			out = append(out, a)
		}
	}
	return out
}

// splitArgs splits a shell command into fields, honoring double quotes
func splitArgs(cmd string) []string {
	var args []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case c == '"':
			inQuote = !inQuote
		case c == ' ' && !inQuote:
			if cur.Len() > 0 {
				args = append(args, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		args = append(args, cur.String())
	}
	return args
}
