package pvback

import (
	"sort"
	"sync"

	"github.com/ehrlich-b/go-pvback/internal/interfaces"
)

// SubmittedCommand is what MockExecutor recorded about one Submit call
type SubmittedCommand struct {
	Tag        uint64
	ID         uint32
	Device     string
	LUN        uint16
	CDB        []byte
	Direction  Direction
	DataLength int
}

type mockPending struct {
	cmd  *Command
	done Completion
}

// MockExecutor provides a controllable Executor for tests. By default every
// command completes synchronously with ResultOK. In manual mode commands are
// held until Complete is called, in any order.
type MockExecutor struct {
	mu sync.RWMutex

	manual    bool
	submitErr error
	resetErr  error
	result    int32
	sense     []byte
	readData  []byte
	lastWrite []byte

	pending   map[uint64]mockPending
	submitted []SubmittedCommand

	// Method call tracking
	submitCalls int
	cancelCalls int
	resetCalls  int
	resets      []string
}

// NewMockExecutor creates a mock that completes everything with ResultOK
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{pending: make(map[uint64]mockPending)}
}

// Submit implements Executor
func (m *MockExecutor) Submit(cmd *Command, done Completion) error {
	m.mu.Lock()
	m.submitCalls++
	if m.submitErr != nil {
		err := m.submitErr
		m.mu.Unlock()
		return err
	}
	m.submitted = append(m.submitted, SubmittedCommand{
		Tag:        cmd.Tag,
		ID:         cmd.ID,
		Device:     cmd.Device,
		LUN:        cmd.LUN,
		CDB:        append([]byte(nil), cmd.CDB...),
		Direction:  cmd.Direction,
		DataLength: cmd.DataLength(),
	})
	if cmd.Direction.ReadOnly() {
		m.lastWrite = make([]byte, cmd.DataLength())
		cmd.Gather(m.lastWrite)
	}
	if m.manual {
		m.pending[cmd.Tag] = mockPending{cmd: cmd, done: done}
		m.mu.Unlock()
		return nil
	}
	result, sense := m.result, m.sense
	var residual uint32
	if len(m.readData) > 0 && !cmd.Direction.ReadOnly() {
		n := cmd.Scatter(m.readData)
		residual = uint32(cmd.DataLength() - n)
	}
	m.mu.Unlock()

	done(result, residual, sense)
	return nil
}

// Cancel implements Executor. A held command completes with ResultAborted.
func (m *MockExecutor) Cancel(tag uint64) error {
	m.mu.Lock()
	m.cancelCalls++
	p, ok := m.pending[tag]
	delete(m.pending, tag)
	m.mu.Unlock()

	if !ok {
		return interfaces.ErrNotFound
	}
	p.done(ResultAborted, uint32(p.cmd.DataLength()), nil)
	return nil
}

// Reset implements Resetter
func (m *MockExecutor) Reset(device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCalls++
	m.resets = append(m.resets, device)
	return m.resetErr
}

// Testing utility methods

// SetManual switches between synchronous completion and held commands
func (m *MockExecutor) SetManual(manual bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manual = manual
}

// FailSubmit makes Submit return err (nil restores normal behavior)
func (m *MockExecutor) FailSubmit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

// FailReset makes Reset return err
func (m *MockExecutor) FailReset(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetErr = err
}

// SetResult sets the result and sense data of automatic completions
func (m *MockExecutor) SetResult(result int32, sense []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
	m.sense = append([]byte(nil), sense...)
}

// SetReadData sets the bytes scattered into from-device commands
func (m *MockExecutor) SetReadData(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readData = append([]byte(nil), data...)
}

// LastWrite returns the data gathered from the last to-device command
func (m *MockExecutor) LastWrite() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.lastWrite...)
}

// Held returns the tags of commands waiting in manual mode, in submit order
func (m *MockExecutor) Held() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tags := make([]uint64, 0, len(m.pending))
	for t := range m.pending {
		tags = append(tags, t)
	}
	order := make(map[uint64]int, len(m.submitted))
	for i, s := range m.submitted {
		order[s.Tag] = i
	}
	sort.Slice(tags, func(i, j int) bool { return order[tags[i]] < order[tags[j]] })
	return tags
}

// Complete finishes a held command. data, if any, is scattered into the
// command's segments first.
func (m *MockExecutor) Complete(tag uint64, result int32, data []byte, sense []byte) error {
	m.mu.Lock()
	p, ok := m.pending[tag]
	delete(m.pending, tag)
	m.mu.Unlock()
	if !ok {
		return interfaces.ErrNotFound
	}

	var residual uint32
	if len(data) > 0 {
		n := p.cmd.Scatter(data)
		residual = uint32(p.cmd.DataLength() - n)
	}
	p.done(result, residual, sense)
	return nil
}

// CompleteAll finishes every held command with result
func (m *MockExecutor) CompleteAll(result int32) int {
	n := 0
	for _, tag := range m.Held() {
		if m.Complete(tag, result, nil, nil) == nil {
			n++
		}
	}
	return n
}

// Submitted returns a record of every accepted command
func (m *MockExecutor) Submitted() []SubmittedCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SubmittedCommand(nil), m.submitted...)
}

// ResetDevices returns the devices Reset was called for
func (m *MockExecutor) ResetDevices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.resets...)
}

// CallCounts returns the number of times each method has been called
func (m *MockExecutor) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"submit": m.submitCalls,
		"cancel": m.cancelCalls,
		"reset":  m.resetCalls,
	}
}

// Compile-time interface checks
var (
	_ Executor = (*MockExecutor)(nil)
	_ Resetter = (*MockExecutor)(nil)
)
