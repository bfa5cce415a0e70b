// Package session implements C3/C4: a SessionTask fans out one shared
// in-flight download to many subscribers, each independently cancellable,
// and a SessionManager keeps the one-task-per-URL registry that makes
// coalescing possible. The registry shape — a mutex-guarded map plus a
// monotonically increasing identifier per registered waiter — is adapted
// from the teacher's queue.DownloadQueue, generalized from a priority queue
// of disk-bound downloads to a fan-out registry of in-memory byte fetches.
package session

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"imagecache/internal/cacheerr"
)

// State is a SessionTask's lifecycle stage.
type State int

const (
	Idle State = iota
	Running
	Cancelled
	Completed
)

// CancelToken identifies one subscriber's registration with a SessionTask.
// Tokens are monotonically increasing within a task (spec.md §3 invariant).
type CancelToken uint64

// Disposition is the result of a response-received hook.
type Disposition int

const (
	Allow Disposition = iota
	Cancel
)

// Callback bundles the hooks one subscriber supplies when joining a
// SessionTask (spec.md §3: "Callback = (on_completed, options)").
type Callback struct {
	OnCompleted     func(data []byte, err error)
	OnDataReceived  func(chunk []byte, total int64)
	OnResponse      func(resp *http.Response) Disposition
	OnRedirect      func(req *http.Request) *http.Request
	OnDownloadData  func(data []byte) []byte // nil result => DataModifyingFailed
	StatusCodeValid func(code int) bool
}

func defaultStatusValid(code int) bool { return code >= 200 && code < 400 }

// SessionTask accumulates bytes from one URL fetch and fans the terminal
// result out to every still-registered subscriber. See spec.md §4.3.
type SessionTask struct {
	TaskID string
	URL    string

	mu          sync.Mutex
	state       State
	accumulated []byte
	callbacks   map[CancelToken]Callback
	order       []CancelToken // registration order, for deterministic fan-out
	nextToken   uint64
	meta        any

	cancelUnderlying func()
}

// SetMeta stashes caller-defined data on the task (e.g. a response's
// resolved cache-control TTL hint), readable by every subscriber once the
// task completes.
func (t *SessionTask) SetMeta(v any) {
	t.mu.Lock()
	t.meta = v
	t.mu.Unlock()
}

// Meta returns whatever was last passed to SetMeta.
func (t *SessionTask) Meta() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta
}

// New creates an Idle SessionTask for url. cancelUnderlying is invoked when
// the last subscriber cancels or the task is force-cancelled; it should
// cancel the in-flight HTTP request.
func New(url string, cancelUnderlying func()) *SessionTask {
	return &SessionTask{
		TaskID:           uuid.NewString(),
		URL:              url,
		callbacks:        make(map[CancelToken]Callback),
		cancelUnderlying: cancelUnderlying,
	}
}

// AddCallback registers cb and returns its CancelToken. Fails if the task
// has already reached a terminal state (spec.md §3 invariant).
func (t *SessionTask) AddCallback(cb Callback) (CancelToken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Completed || t.state == Cancelled {
		return 0, &cacheerr.RequestError{Kind: cacheerr.TaskCancelled}
	}

	t.nextToken++
	token := CancelToken(t.nextToken)
	t.callbacks[token] = cb
	t.order = append(t.order, token)
	return token, nil
}

// Resume transitions Idle -> Running exactly once.
func (t *SessionTask) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Idle {
		t.state = Running
	}
}

// Cancel removes one subscriber. If no subscribers remain, the underlying
// HTTP request is cancelled. The cancelled subscriber's OnCompleted (if
// any) receives a TaskCancelled error; already-terminal tasks ignore this.
func (t *SessionTask) Cancel(token CancelToken) {
	t.mu.Lock()
	cb, ok := t.callbacks[token]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.callbacks, token)
	for i, tok := range t.order {
		if tok == token {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	empty := len(t.callbacks) == 0
	terminal := t.state == Completed || t.state == Cancelled
	if empty && !terminal {
		t.state = Cancelled
	}
	t.mu.Unlock()

	if empty && !terminal && t.cancelUnderlying != nil {
		t.cancelUnderlying()
	}
	if cb.OnCompleted != nil {
		cb.OnCompleted(nil, &cacheerr.RequestError{Kind: cacheerr.TaskCancelled, Token: uint64(token)})
	}
}

// ForceCancel cancels every registered token in turn, idempotent.
func (t *SessionTask) ForceCancel() {
	t.mu.Lock()
	tokens := append([]CancelToken(nil), t.order...)
	t.mu.Unlock()
	for _, tok := range tokens {
		t.Cancel(tok)
	}
}

// DataReceived appends chunk to the accumulated bytes and invokes every
// subscriber's data-received hook with the chunk and the new running total.
func (t *SessionTask) DataReceived(chunk []byte) {
	t.mu.Lock()
	t.accumulated = append(t.accumulated, chunk...)
	total := int64(len(t.accumulated))
	callbacks := t.snapshotOrdered()
	t.mu.Unlock()

	for _, cb := range callbacks {
		if cb.OnDataReceived != nil {
			cb.OnDataReceived(chunk, total)
		}
	}
}

// ValidateStatus applies the most-recently-registered subscriber's status
// predicate, defaulting to accepting 200..<400 (spec.md §4.4).
func (t *SessionTask) ValidateStatus(code int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) > 0 {
		if cb := t.callbacks[t.order[len(t.order)-1]]; cb.StatusCodeValid != nil {
			return cb.StatusCodeValid(code)
		}
	}
	return defaultStatusValid(code)
}

// DispatchResponse consults the most recently registered subscriber's
// response-received hook, if any.
func (t *SessionTask) DispatchResponse(resp *http.Response) Disposition {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) > 0 {
		if cb := t.callbacks[t.order[len(t.order)-1]]; cb.OnResponse != nil {
			return cb.OnResponse(resp)
		}
	}
	return Allow
}

// DispatchRedirect consults the last callback's redirect handler.
func (t *SessionTask) DispatchRedirect(req *http.Request) *http.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) > 0 {
		if cb := t.callbacks[t.order[len(t.order)-1]]; cb.OnRedirect != nil {
			if modified := cb.OnRedirect(req); modified != nil {
				return modified
			}
		}
	}
	return req
}

// Complete performs the atomic terminal transition and fans the result out
// to every subscriber in registration order. If err is nil, the last
// registered subscriber's OnDownloadData hook (if any) may transform or
// reject the accumulated bytes before fan-out.
func (t *SessionTask) Complete(err error) {
	t.mu.Lock()
	if t.state == Completed || t.state == Cancelled {
		t.mu.Unlock()
		return
	}
	data := t.accumulated
	callbacks := t.snapshotOrdered()
	t.state = Completed
	t.callbacks = make(map[CancelToken]Callback)
	t.order = nil

	if err == nil && len(callbacks) > 0 {
		last := callbacks[len(callbacks)-1]
		if last.OnDownloadData != nil {
			transformed := last.OnDownloadData(data)
			if transformed == nil {
				err = &cacheerr.ResponseError{Kind: cacheerr.DataModifyingFailed}
			} else {
				data = transformed
			}
		}
	}
	t.mu.Unlock()

	for _, cb := range callbacks {
		if cb.OnCompleted == nil {
			continue
		}
		if err != nil {
			cb.OnCompleted(nil, err)
		} else {
			cb.OnCompleted(data, nil)
		}
	}
}

func (t *SessionTask) snapshotOrdered() []Callback {
	out := make([]Callback, 0, len(t.order))
	for _, tok := range t.order {
		out = append(out, t.callbacks[tok])
	}
	return out
}

// IsEmpty reports whether every subscriber has been removed.
func (t *SessionTask) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.callbacks) == 0
}

// State returns the task's current lifecycle stage.
func (t *SessionTask) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Manager is the keyed registry of in-flight SessionTasks (C4). One mutex
// guards the registry; no callback ever executes with it held, matching
// spec.md §5 "Concurrency".
type Manager struct {
	mu     sync.Mutex
	byURL  map[string]*SessionTask
	byID   map[string]*SessionTask
	active atomic.Int64
}

func NewManager() *Manager {
	return &Manager{
		byURL: make(map[string]*SessionTask),
		byID:  make(map[string]*SessionTask),
	}
}

// Add creates a new Idle SessionTask for url, registers cb, and stores it
// under both url and the task's own id.
func (m *Manager) Add(url string, cancelUnderlying func(), cb Callback) (*SessionTask, CancelToken, error) {
	task := New(url, cancelUnderlying)
	token, err := task.AddCallback(cb)
	if err != nil {
		return nil, 0, err
	}

	m.mu.Lock()
	m.byURL[url] = task
	m.byID[task.TaskID] = task
	m.mu.Unlock()
	m.active.Add(1)

	return task, token, nil
}

// Append adds a subscriber to the existing SessionTask for url, if any.
func (m *Manager) Append(url string, cb Callback) (*SessionTask, CancelToken, bool) {
	m.mu.Lock()
	task, ok := m.byURL[url]
	m.mu.Unlock()
	if !ok {
		return nil, 0, false
	}
	token, err := task.AddCallback(cb)
	if err != nil {
		return nil, 0, false
	}
	return task, token, true
}

// AppendOrCreate joins the existing SessionTask for url, or registers a new
// one under cancelUnderlying if none exists (or the existing one reached a
// terminal state concurrently). The lookup and the eventual insert of a
// fresh task both happen while m.mu is held, so two callers racing on a url
// with no existing task can never both observe "not found" and each create
// their own task (spec.md §3: "for each url at most one SessionTask
// exists"). created reports which branch was taken.
func (m *Manager) AppendOrCreate(url string, cancelUnderlying func(), cb Callback) (task *SessionTask, token CancelToken, created bool, err error) {
	for {
		m.mu.Lock()
		if existing, ok := m.byURL[url]; ok {
			m.mu.Unlock()
			tok, addErr := existing.AddCallback(cb)
			if addErr == nil {
				return existing, tok, false, nil
			}
			// existing completed/cancelled between the lookup and
			// AddCallback; retry so the next iteration either joins
			// whatever replaces it or creates a fresh one itself.
			continue
		}

		newTask := New(url, cancelUnderlying)
		tok, addErr := newTask.AddCallback(cb)
		if addErr != nil {
			m.mu.Unlock()
			return nil, 0, false, addErr
		}
		m.byURL[url] = newTask
		m.byID[newTask.TaskID] = newTask
		m.mu.Unlock()
		m.active.Add(1)
		return newTask, tok, true, nil
	}
}

// TaskForURL returns the registered SessionTask for url, if any.
func (m *Manager) TaskForURL(url string) (*SessionTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.byURL[url]
	return task, ok
}

// TaskForID returns the registered SessionTask matching an underlying
// task-id, if any.
func (m *Manager) TaskForID(id string) (*SessionTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.byID[id]
	return task, ok
}

// Cancel force-cancels the task registered for url, if any.
func (m *Manager) Cancel(url string) {
	m.mu.Lock()
	task, ok := m.byURL[url]
	m.mu.Unlock()
	if ok {
		task.ForceCancel()
	}
}

// CancelAll force-cancels every registered task.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	tasks := make([]*SessionTask, 0, len(m.byURL))
	for _, t := range m.byURL {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()
	for _, t := range tasks {
		t.ForceCancel()
	}
}

// Remove drops task from the registry, typically called once it has
// completed or been cancelled and its callback set is empty.
func (m *Manager) Remove(task *SessionTask) {
	m.mu.Lock()
	if cur, ok := m.byURL[task.URL]; ok && cur == task {
		delete(m.byURL, task.URL)
	}
	delete(m.byID, task.TaskID)
	m.mu.Unlock()
	m.active.Add(-1)
}

// ActiveCount reports the number of tasks currently registered.
func (m *Manager) ActiveCount() int64 {
	return m.active.Load()
}
