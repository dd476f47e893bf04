// Package locks 提供按键互斥与按范围去重的执行锁。
// 锁管理器由上层显式构造并注入，不存在任何包级全局状态。
package locks

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Manager 聚合两类锁：
//   - 范围去重：同一 (专家实例, 用例) 的建议处理在并发触发时只执行一次，
//     后到者等待并复用结果（wait-then-no-op 语义）；
//   - 按键互斥：同一持仓上的止盈止损变更与平仓/触发迁移串行执行，
//     不同持仓互不阻塞。
type Manager struct {
	group singleflight.Group

	mu      sync.Mutex
	keyed   map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager 创建锁管理器。
func NewManager() *Manager {
	return &Manager{keyed: make(map[string]*keyedLock)}
}

// ScopeKey 构造 (专家实例, 用例) 的范围键。
func ScopeKey(expertID, useCase string) string {
	return fmt.Sprintf("%s/%s", expertID, useCase)
}

// DoScoped 在给定范围键上去重执行 fn。
// 并发的同键调用只有一个真正执行，其余调用共享其结果；shared 为 true
// 表示本次调用复用了他人的执行结果而没有自己跑一遍。
func (m *Manager) DoScoped(key string, fn func() error) (shared bool, err error) {
	_, err, shared = m.group.Do(key, func() (interface{}, error) {
		return nil, fn()
	})
	return shared, err
}

// LockKey 获取按键互斥锁，返回解锁函数。锁对象按需创建、引用计数回收。
func (m *Manager) LockKey(key string) (unlock func()) {
	m.mu.Lock()
	l, ok := m.keyed[key]
	if !ok {
		l = &keyedLock{}
		m.keyed[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.keyed, key)
		}
		m.mu.Unlock()
	}
}

// LockTransaction 获取按持仓的互斥锁。
func (m *Manager) LockTransaction(transactionID string) (unlock func()) {
	return m.LockKey("txn/" + transactionID)
}

// TryLockKey 尝试获取按键互斥锁，已被占用时立即返回 false（block-and-skip）。
func (m *Manager) TryLockKey(key string) (unlock func(), ok bool) {
	m.mu.Lock()
	l, exists := m.keyed[key]
	if !exists {
		l = &keyedLock{}
		m.keyed[key] = l
	}
	l.refs++
	m.mu.Unlock()

	if !l.mu.TryLock() {
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.keyed, key)
		}
		m.mu.Unlock()
		return nil, false
	}

	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.keyed, key)
		}
		m.mu.Unlock()
	}, true
}

// WithTransaction 在持仓锁内执行 fn，并尊重上游取消。
func (m *Manager) WithTransaction(ctx context.Context, transactionID string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.LockTransaction(transactionID)
	defer unlock()
	return fn()
}
