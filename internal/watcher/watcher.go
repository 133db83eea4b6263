// Package watcher 监听目录变化并把去抖后的文件事件交给处理函数，本身不读取文件内容。
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkm-engine/internal/model"
	"pkm-engine/pkg/log"
)

// Handler 接收去抖后的事件，在定时器 goroutine 上调用，不应长时间阻塞。
type Handler func(model.FileEvent)

type Options struct {
	Debounce time.Duration
	// Extensions 为空表示不按扩展名过滤
	Extensions []string
}

// WatchedPath 是一个被监听的根目录。
type WatchedPath struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

type Watcher struct {
	fsw     *fsnotify.Watcher
	opts    Options
	exts    map[string]bool
	handler Handler

	mu      sync.Mutex
	roots   map[string]bool   // 根目录 -> 是否递归
	dirs    map[string]string // 已加入 fsnotify 的目录 -> 所属根目录
	pending map[string]model.FileEvent
	timers  map[string]*time.Timer
	closed  bool

	wg sync.WaitGroup
}

func New(opts Options, handler Handler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	exts := make(map[string]bool, len(opts.Extensions))
	for _, e := range opts.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &Watcher{
		fsw:     fsw,
		opts:    opts,
		exts:    exts,
		handler: handler,
		roots:   make(map[string]bool),
		dirs:    make(map[string]string),
		pending: make(map[string]model.FileEvent),
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Start 启动事件循环，ctx 取消或 Close 后退出。
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
}

// Watch 开始监听目录。recursive 时子目录（包括之后新建的）一并监听，隐藏目录除外。
func (w *Watcher) Watch(path string, recursive bool) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return model.NewValidationError("invalid path %q: %v", path, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return model.NewValidationError("cannot watch %q: %v", path, err)
	}
	if !info.IsDir() {
		return model.NewValidationError("%q is not a directory", path)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("watcher closed")
	}
	if _, ok := w.roots[root]; ok {
		w.roots[root] = w.roots[root] || recursive
	} else {
		w.roots[root] = recursive
	}
	if err := w.addDirLocked(root, root, recursive, nil); err != nil {
		return err
	}
	log.Infof("[Watcher] 开始监听 %s (recursive=%v)", root, recursive)
	return nil
}

// addDirLocked 把 dir（及递归时的子目录）加入 fsnotify。found 非 nil 时收集已存在的文件。
func (w *Watcher) addDirLocked(root, dir string, recursive bool, found *[]string) error {
	if !recursive {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = root
		return nil
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// 遍历过程中被删除的目录直接跳过
			if p != dir && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if p != dir && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if found != nil {
				*found = append(*found, p)
			}
			return nil
		}
		if _, ok := w.dirs[p]; ok && p != dir {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		w.dirs[p] = root
		return nil
	})
}

// Unwatch 停止监听根目录及其下所有目录。
func (w *Watcher) Unwatch(path string) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return model.NewValidationError("invalid path %q: %v", path, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.roots[root]; !ok {
		return fmt.Errorf("%w: %s is not watched", model.ErrNotFound, root)
	}
	delete(w.roots, root)
	for dir, r := range w.dirs {
		if r != root {
			continue
		}
		if err := w.fsw.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			log.Warnf("[Watcher] 移除监听 %s 失败: %v", dir, err)
		}
		delete(w.dirs, dir)
	}
	for p, t := range w.timers {
		if within(root, p) {
			t.Stop()
			delete(w.timers, p)
			delete(w.pending, p)
		}
	}
	log.Infof("[Watcher] 停止监听 %s", root)
	return nil
}

// Watched 返回当前监听的根目录，按路径排序。
func (w *Watcher) Watched() []WatchedPath {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WatchedPath, 0, len(w.roots))
	for p, r := range w.roots {
		out = append(out, WatchedPath{Path: p, Recursive: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Close 关闭 fsnotify 并丢弃尚未触发的事件。
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
	w.pending = make(map[string]model.FileEvent)
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.onEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warnf("[Watcher] fsnotify 错误: %v", err)
		}
	}
}

func (w *Watcher) onEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	w.mu.Lock()
	defer w.mu.Unlock()

	root, recursive, ok := w.rootForLocked(path)
	if !ok || hiddenUnder(root, path) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if !recursive {
				return
			}
			// 新目录在加入监听前可能已经写入了文件
			var found []string
			if err := w.addDirLocked(root, path, true, &found); err != nil {
				log.Warnf("[Watcher] 监听新目录 %s 失败: %v", path, err)
			}
			for _, f := range found {
				w.scheduleLocked(f, model.FileCreated, "")
			}
			return
		}
		w.scheduleLocked(path, model.FileCreated, "")
	case ev.Has(fsnotify.Write):
		w.scheduleLocked(path, model.FileModified, "")
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if _, isDir := w.dirs[path]; isDir {
			for d, r := range w.dirs {
				if r == root && within(path, d) {
					delete(w.dirs, d)
				}
			}
			return
		}
		op := model.FileDeleted
		if ev.Has(fsnotify.Rename) {
			op = model.FileRenamed
		}
		w.scheduleLocked(path, op, path)
	}
}

// rootForLocked 找到 path 所在的被监听根目录。
func (w *Watcher) rootForLocked(path string) (string, bool, bool) {
	if root, ok := w.dirs[filepath.Dir(path)]; ok {
		return root, w.roots[root], true
	}
	if root, ok := w.dirs[path]; ok {
		return root, w.roots[root], true
	}
	return "", false, false
}

func (w *Watcher) allowed(path string) bool {
	if len(w.exts) == 0 {
		return true
	}
	return w.exts[strings.ToLower(filepath.Ext(path))]
}

// scheduleLocked 按路径去抖：窗口内的多次变化合并为一个事件，created 后的 modified 仍记为 created。
func (w *Watcher) scheduleLocked(path string, op model.FileOp, oldPath string) {
	if w.closed || !w.allowed(path) {
		return
	}
	ev := model.FileEvent{Op: op, Path: path, OldPath: oldPath, Timestamp: time.Now()}
	if prev, ok := w.pending[path]; ok && prev.Op == model.FileCreated && op == model.FileModified {
		ev.Op = model.FileCreated
	}
	w.pending[path] = ev

	if t, ok := w.timers[path]; ok {
		t.Reset(w.opts.Debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.opts.Debounce, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	ev, ok := w.pending[path]
	delete(w.pending, path)
	delete(w.timers, path)
	closed := w.closed
	w.mu.Unlock()
	if !ok || closed {
		return
	}
	log.Debugf("[Watcher] %s %s", ev.Op, ev.Path)
	if w.handler != nil {
		w.handler(ev)
	}
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}

// hiddenUnder 判断 path 相对 root 的任一部分是否是隐藏文件或目录。
func hiddenUnder(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if isHidden(part) {
			return true
		}
	}
	return false
}

func within(dir, path string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

// Scan 列出 root 下符合扩展名过滤的现有文件，跳过隐藏文件和目录，用于启动时的全量导入。
func (w *Watcher) Scan(root string, recursive bool) ([]string, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && w.allowed(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return files, nil
}
