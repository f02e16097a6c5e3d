package hardware

import (
	"sync"
	"time"
)

// Task 周期任务句柄
//
// 同一任务的两次执行不会重叠；Stop 只移除后续触发，不打断正在执行的一次。
type Task struct {
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Every 每隔 interval 执行一次 fn
func Every(interval time.Duration, fn func()) *Task {
	t := &Task{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				select {
				case <-t.stopCh:
					return
				default:
				}
				fn()
			}
		}
	}()
	return t
}

// Stop 停止任务，可重复调用，nil 安全
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stopCh) })
}

// Done 任务协程退出后关闭
func (t *Task) Done() <-chan struct{} {
	if t == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.done
}
