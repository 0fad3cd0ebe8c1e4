// Package watcher 递归监听文档目录，并把文件系统事件按到达顺序放入无界队列。
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
	"time"

	"pdf-rag-go/pkg/log"
	"pdf-rag-go/pkg/tasks"

	"github.com/fsnotify/fsnotify"
)

// ErrWatch 表示文件监听子系统失败，进程无法继续工作。
var ErrWatch = errors.New("watch error")

// DefaultSettleDelay 是文件最后一次写入后等待的静默时间，之后补发一次 create。
const DefaultSettleDelay = 500 * time.Millisecond

// Watcher 包装 fsnotify，补充递归监听与有序转发。
// dirs/files 记录树内已知的目录和文件，目录整体移出或删除时据此为其中每个文件发出删除事件。
// 这些字段只在 New 和 Run 所在的协程中访问。
type Watcher struct {
	root        string
	initialScan bool
	settle      time.Duration
	fsw         *fsnotify.Watcher
	events      chan tasks.FileEvent
	dirs        map[string]struct{}
	files       map[string]struct{}
	written     map[string]time.Time
}

// New 创建监听器并为 root 下的所有目录注册监听。
func New(root string, initialScan bool) (*Watcher, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: 监听目录不可用: %v", ErrWatch, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s 不是目录", ErrWatch, root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatch, err)
	}
	w := &Watcher{
		root:        root,
		initialScan: initialScan,
		settle:      DefaultSettleDelay,
		fsw:         fsw,
		events:      make(chan tasks.FileEvent),
		dirs:        make(map[string]struct{}),
		files:       make(map[string]struct{}),
		written:     make(map[string]time.Time),
	}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("%w: %v", ErrWatch, err)
	}
	return w, nil
}

// Events 返回有序事件流，Run 退出后关闭。
func (w *Watcher) Events() <-chan tasks.FileEvent {
	return w.events
}

// Run 转发事件直到 ctx 结束。fsnotify 报告的错误会以 ErrWatch 返回。
// 内部缓冲不设上限，消费者处理慢时不会阻塞内核事件的读取。
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	var pending []tasks.FileEvent
	if w.initialScan {
		pending = w.scan(w.root, true)
		log.Infof("[Watcher] 启动扫描完成, 发现 %d 个已有文件", len(pending))
	}
	log.Infof("[Watcher] 开始监听目录 %s", w.root)

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		var out chan<- tasks.FileEvent
		var next tasks.FileEvent
		if len(pending) > 0 {
			out = w.events
			next = pending[0]
		}

		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("%w: 事件通道已关闭", ErrWatch)
			}
			pending = append(pending, w.translate(ev)...)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("%w: 错误通道已关闭", ErrWatch)
			}
			return fmt.Errorf("%w: %v", ErrWatch, err)
		case now := <-ticker.C:
			pending = append(pending, w.flushWrites(now)...)
		case out <- next:
			pending[0] = tasks.FileEvent{}
			pending = pending[1:]
		}
	}
}

// Close 释放底层的 inotify 资源。
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// translate 把一个 fsnotify 事件转换为零个或多个 FileEvent。
// 重命名时 fsnotify 对旧路径发送 Rename，对新路径发送 Create。
func (w *Watcher) translate(ev fsnotify.Event) []tasks.FileEvent {
	switch {
	case ev.Has(fsnotify.Remove):
		return w.forget(ev.Name, tasks.KindRemove)
	case ev.Has(fsnotify.Rename):
		return w.forget(ev.Name, tasks.KindRenameFrom)
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				log.Warnf("[Watcher] 为新目录注册监听失败: %s, err=%v", ev.Name, err)
			}
			// 随目录一起移入的文件不会产生单独的 Create 事件
			return w.scan(ev.Name, false)
		}
		w.files[ev.Name] = struct{}{}
		return []tasks.FileEvent{{Kind: tasks.KindCreate, Paths: []string{ev.Name}}}
	case ev.Has(fsnotify.Write):
		// 原地写入的文件在 Create 时可能还不完整，写入静默后由 flushWrites 补发
		w.written[ev.Name] = time.Now()
		return nil
	default:
		return []tasks.FileEvent{{Kind: tasks.KindOther, Paths: []string{ev.Name}}}
	}
}

// forget 处理路径离开监听树。已知目录会展开为其中每个已知文件的事件，并取消该子树的监听。
func (w *Watcher) forget(path string, kind tasks.EventKind) []tasks.FileEvent {
	delete(w.written, path)
	if _, ok := w.dirs[path]; !ok {
		delete(w.files, path)
		return []tasks.FileEvent{{Kind: kind, Paths: []string{path}}}
	}

	prefix := path + string(filepath.Separator)
	for dir := range w.dirs {
		if dir == path || strings.HasPrefix(dir, prefix) {
			delete(w.dirs, dir)
			// 已删除目录的监听由内核自动移除，这里的错误可以忽略
			_ = w.fsw.Remove(dir)
		}
	}
	var gone []string
	for file := range w.files {
		if strings.HasPrefix(file, prefix) {
			delete(w.files, file)
			delete(w.written, file)
			gone = append(gone, file)
		}
	}
	sort.Strings(gone)
	log.Infof("[Watcher] 目录离开监听范围: %s, 包含 %d 个文件", path, len(gone))

	events := make([]tasks.FileEvent, 0, len(gone))
	for _, file := range gone {
		events = append(events, tasks.FileEvent{Kind: kind, Paths: []string{file}})
	}
	return events
}

// flushWrites 为静默时间已到的文件补发 create 事件。补发事件带 Seed 标记，
// 已经成功入库的文档会被编排器跳过，只有 Create 时内容不完整的文件会重新入库。
func (w *Watcher) flushWrites(now time.Time) []tasks.FileEvent {
	var ready []string
	for path, last := range w.written {
		if now.Sub(last) >= w.settle {
			ready = append(ready, path)
			delete(w.written, path)
		}
	}
	sort.Strings(ready)

	var events []tasks.FileEvent
	for _, path := range ready {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		w.files[path] = struct{}{}
		events = append(events, tasks.FileEvent{Kind: tasks.KindCreate, Paths: []string{path}, Seed: true})
	}
	return events
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			w.dirs[path] = struct{}{}
			return w.fsw.Add(path)
		}
		if d.Type().IsRegular() {
			w.files[path] = struct{}{}
		}
		return nil
	})
}

// scan 为目录下已存在的普通文件生成 create 事件。
func (w *Watcher) scan(root string, seed bool) []tasks.FileEvent {
	var events []tasks.FileEvent
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warnf("[Watcher] 遍历目录出错: %s, err=%v", path, err)
			return nil
		}
		if d.Type().IsRegular() {
			events = append(events, tasks.FileEvent{Kind: tasks.KindCreate, Paths: []string{path}, Seed: seed})
		}
		return nil
	})
	if walkErr != nil {
		log.Warnf("[Watcher] 遍历目录发生错误: %v", walkErr)
	}
	return events
}
