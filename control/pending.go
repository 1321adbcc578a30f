package control

import (
	"encoding/json"
	"sync"
	"time"

	rxerrors "remote-x/errors"
)

type result struct {
	data json.RawMessage
	err  error
}

// waiter 是一条挂起请求；done 容量为 1，只会被写入一次。
type waiter struct {
	id       string
	created  time.Time
	deadline time.Time
	timer    *time.Timer
	done     chan result
}

// pendingTable 是请求 ID 到挂起请求的映射。
// 完成路径（应答、超时、取消、断线）都必须先在锁内把条目删掉，谁删掉谁负责投递结果。
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]*waiter)}
}

// add 登记一条挂起请求，并启动到期即以超时错误完成的定时器。
// 参数：
// - id: 请求 ID（调用方保证唯一）
// - timeout: 等待上限
// 返回：
// - *waiter: 调用方在 done 上等待结果
func (t *pendingTable) add(id string, timeout time.Duration) *waiter {
	now := time.Now()
	w := &waiter{
		id:       id,
		created:  now,
		deadline: now.Add(timeout),
		done:     make(chan result, 1),
	}
	t.mu.Lock()
	t.waiters[id] = w
	w.timer = time.AfterFunc(timeout, func() {
		t.resolve(id, result{err: rxerrors.New(rxerrors.CodeTimeout, "request timed out")})
	})
	t.mu.Unlock()
	return w
}

// resolve 完成指定 ID 的挂起请求。
// 返回：
// - bool: false 表示该 ID 已被完成过或从未登记
func (t *pendingTable) resolve(id string, r result) bool {
	t.mu.Lock()
	w, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	w.timer.Stop()
	w.done <- r
	return true
}

// failAll 以同一个错误完成全部挂起请求（断线、换连接时调用）。
// 返回：
// - int: 被完成的请求数
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	all := t.waiters
	t.waiters = make(map[string]*waiter)
	t.mu.Unlock()
	for _, w := range all {
		w.timer.Stop()
		w.done <- result{err: err}
	}
	return len(all)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
