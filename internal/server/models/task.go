// Package models defines the persistent entities of the backup relay.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sync"
)

// TaskState enumerates the observable states of a transfer task.
type TaskState string

const (
	StateQueued      TaskState = "queued"
	StateStarted     TaskState = "started"
	StateDownloading TaskState = "downloading"
	StateUploading   TaskState = "uploading"
	StateCleaning    TaskState = "cleaning"
	StateFinished    TaskState = "finished"
	StateFailed      TaskState = "failed"
)

// TaskStatus is the externally observable projection of a task's state
// machine: current state, a human message and a 0..100 progress value.
type TaskStatus struct {
	State    TaskState `json:"state"`
	Message  string    `json:"message"`
	Progress float64   `json:"progress"`
}

// Value serializes the status snapshot for storage in a JSONB column.
func (s TaskStatus) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan restores a status snapshot from its JSONB representation.
func (s *TaskStatus) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = TaskStatus{}
		return nil
	case []byte:
		if len(v) == 0 {
			*s = TaskStatus{}
			return nil
		}
		return json.Unmarshal(v, s)
	case string:
		if v == "" {
			*s = TaskStatus{}
			return nil
		}
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("unsupported status source type %T", src)
	}
}

// Task is one durable record of a single file transfer from a tenant host to
// the remote drive.
//
// The progress flags (Downloaded, Uploaded, LocalRemoved) are each monotonic
// once true, except where resume logic explicitly reconciles them. FinishTime
// and StartTime are unix seconds; zero means not reached yet.
type Task struct {
	TaskID    int64
	Owner     string
	AppName   string
	Component string
	Timestamp int64

	Filename   string
	Filesize   int64
	Host       string
	Credential string

	Downloaded   bool
	Uploaded     bool
	LocalRemoved bool

	// Hash is the content address returned by the drive after a successful
	// upload; empty until then.
	Hash string

	StartTime       int64
	FinishTime      int64
	AppExpireHeight int64

	Fails int

	// RemovedFromStorage soft-deletes the task: the row stays for audit but
	// is excluded from quota, listing and reaper queries.
	RemovedFromStorage bool

	// Status is written by the pipeline goroutine while status lookups read
	// it from other goroutines through the active queue. Once the task is
	// shared that way, access goes through SetStatus, SetProgress and
	// StatusSnapshot; mu guards only this field.
	mu     sync.Mutex
	Status TaskStatus
}

// SetStatus replaces the status snapshot in one call.
func (t *Task) SetStatus(state TaskState, message string, progress float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status = TaskStatus{State: state, Message: message, Progress: progress}
}

// SetProgress updates only the progress value of the current snapshot.
func (t *Task) SetProgress(progress float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Status.Progress = progress
}

// StatusSnapshot returns a copy of the current status, safe to read while the
// pipeline keeps mutating the task.
func (t *Task) StatusSnapshot() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}
