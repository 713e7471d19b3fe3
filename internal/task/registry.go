// Package task 维护幂等标识到订单任务状态的映射。
package task

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Status 为任务状态机的状态。
type Status string

const (
	StatusQueued          Status = "queued"
	StatusRunning         Status = "running"
	StatusChecking        Status = "checking"
	StatusPlaced          Status = "placed"
	StatusFilled          Status = "filled"
	StatusAccepted        Status = "accepted"
	StatusClosedConfirmed Status = "closed_confirmed"
	StatusClosedTimeout   Status = "closed_timeout"
	StatusError           Status = "error"
)

// OpenStatus 将交易所侧的非常规挂单状态原样透传为 open_<STATUS>。
func OpenStatus(venueStatus string) Status {
	return Status("open_" + strings.ToUpper(venueStatus))
}

// Terminal 判断状态是否为终态。checking 为瞬态，queued/running 为在途。
func (s Status) Terminal() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusChecking:
		return false
	default:
		return s != ""
	}
}

// Type 标识任务的操作类型。
type Type string

const (
	TypeLimit  Type = "LIMIT"
	TypeMarket Type = "MARKET"
	TypeClose  Type = "CLOSE_POSITION"
)

// Record 为单个任务的完整快照。每次状态迁移整体替换，
// 读者可能观察到任意中间状态，但不会观察到字段撕裂。
type Record struct {
	Token      string          `json:"external_id"`
	Type       Type            `json:"type"`
	Status     Status          `json:"status"`
	OrderID    string          `json:"order_id,omitempty"`
	Price      decimal.Decimal `json:"price,omitempty"`
	Size       decimal.Decimal `json:"size,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitzero"`
}

// Registry 为进程内任务存储。记录只增不删，持久副本由审计层负责。
type Registry struct {
	mu      sync.RWMutex
	records map[string]Record
	cancels map[string]context.CancelFunc
}

// NewRegistry 创建空的任务存储。
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]Record),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Put 整体写入一条任务记录。终态记录会顺带释放取消句柄。
func (r *Registry) Put(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[rec.Token] = rec
	if rec.Status.Terminal() {
		delete(r.cancels, rec.Token)
	}
}

// Get 读取任务记录。
func (r *Registry) Get(token string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[token]
	return rec, ok
}

// Bind 登记在途任务的取消句柄。
func (r *Registry) Bind(token string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[token] = cancel
}

// Cancel 对在途任务发起协作式取消。
// 任务已终态、未知、或句柄已释放时返回 false，不会 panic。
// 取消只保证本地流程不再继续，已发出的交易所请求无法召回。
func (r *Registry) Cancel(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[token]
	if !ok || rec.Status.Terminal() {
		return false
	}

	cancel, ok := r.cancels[token]
	if !ok {
		return false
	}

	cancel()
	delete(r.cancels, token)
	return true
}

// Len 返回当前记录总数。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
