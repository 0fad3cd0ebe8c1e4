// Package tasks defines the file events passed from the watcher to the ingestion orchestrator.
package tasks

// EventKind 是文件系统事件的类别。
type EventKind string

const (
	KindCreate     EventKind = "create"
	KindRenameTo   EventKind = "rename_to"
	KindRemove     EventKind = "remove"
	KindRenameFrom EventKind = "rename_from"
	KindOther      EventKind = "other"
)

// FileEvent represents one filesystem event. It is also the Kafka message payload.
type FileEvent struct {
	Kind  EventKind `json:"kind"`
	Paths []string  `json:"paths"`
	// Seed 标记补发的 create 事件（启动扫描或写入静默后），已入库的文档会被跳过。
	Seed bool `json:"seed,omitempty"`
}

// IsIngest 判断事件是否需要入库。
func (e FileEvent) IsIngest() bool {
	return e.Kind == KindCreate || e.Kind == KindRenameTo
}

// IsRemoval 判断事件是否需要删除已入库的分块。
func (e FileEvent) IsRemoval() bool {
	return e.Kind == KindRemove || e.Kind == KindRenameFrom
}
