package cache

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// FetchResult Fetch 的返回值
type FetchResult struct {
	Result

	// Pending 非 nil 表示返回的是陈旧数据，后台重新验证仍在进行。
	// 需要感知刷新结果（包括失败）的调用方可以 Wait。
	Pending *Call
}

// Call 一次共享的拉取句柄，同键的并发请求方等待同一个 Call 结果
type Call struct {
	key    string
	done   chan struct{}
	val    any
	err    error
	shared bool
}

func newCall(key string, ch <-chan singleflight.Result) *Call {
	c := &Call{key: key, done: make(chan struct{})}
	go func() {
		r := <-ch
		c.val, c.err, c.shared = r.Val, r.Err, r.Shared
		close(c.done)
	}()
	return c
}

// Key 返回拉取的键
func (c *Call) Key() string {
	return c.key
}

// Done 拉取完成时关闭
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait 等待拉取完成
//
// ctx 只控制等待本身：放弃等待不会取消拉取，结果仍会写入缓存。
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shared 拉取结果是否被多个请求方共享（仅在完成后有意义）
func (c *Call) Shared() bool {
	<-c.done
	return c.shared
}

// Fetch 带请求合并的读取
//
// 行为：
//  1. 存在未陈旧、未过期的条目：立即返回，不调用 producer
//  2. 条目陈旧（或已失效）但未过期：立即返回陈旧数据，并启动唯一的后台重新验证
//  3. 条目不存在或已过期：等待共享拉取并返回其结果
//
// 对任意键，同时在途的 producer 调用至多一个。
// 拉取成功调用 Set；失败时保留原有条目，错误返回给等待方。
func (s *Store) Fetch(ctx context.Context, key string, producer Producer, opts ...SetOption) (*FetchResult, error) {
	if producer == nil {
		return nil, ErrNilProducer
	}

	now := s.now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && e.isExpired(now) {
		// 访问时惰性回收，不广播
		delete(s.entries, key)
		ok = false
		s.metrics.RecordEvictions(1)
	}
	var cached Result
	if ok {
		cached = e.result(now)
	}
	s.mu.Unlock()

	if ok && !cached.IsStale {
		s.metrics.RecordLookup("fresh")
		return &FetchResult{Result: cached}, nil
	}

	call := s.startFetch(ctx, key, producer, opts)

	if ok {
		s.metrics.RecordLookup("stale")
		s.metrics.RecordRevalidation()
		cached.Revalidating = true
		return &FetchResult{Result: cached, Pending: call}, nil
	}

	s.metrics.RecordLookup("miss")
	data, err := call.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if call.shared {
		s.metrics.RecordShared()
	}

	res := Result{Data: data, Found: true}
	if cur := s.Get(key); cur.Found {
		res.ResourceType = cur.ResourceType
		res.CreatedAt = cur.CreatedAt
	}
	return &FetchResult{Result: res}, nil
}

// Revalidate 强制启动（或加入）一次后台拉取，不论当前条目是否新鲜
func (s *Store) Revalidate(ctx context.Context, key string, producer Producer, opts ...SetOption) (*Call, error) {
	if producer == nil {
		return nil, ErrNilProducer
	}
	return s.startFetch(ctx, key, producer, opts), nil
}

// startFetch 发起或加入同键拉取
//
// producer 使用与调用方取消解耦的 ctx：被放弃的拉取仍会完成并填充缓存。
func (s *Store) startFetch(ctx context.Context, key string, producer Producer, opts []SetOption) *Call {
	detached := context.WithoutCancel(ctx)

	s.setRevalidating(key, true)
	ch := s.inflight.DoChan(key, func() (any, error) {
		defer s.setRevalidating(key, false)

		start := time.Now()
		data, err := s.runProducer(detached, producer)
		elapsed := time.Since(start)

		s.metrics.RecordFetch(elapsed.Seconds(), err)
		s.logger.FetchLog(key, elapsed, err)
		if err != nil {
			return nil, err
		}

		s.Set(key, data, opts...)
		return data, nil
	})

	return newCall(key, ch)
}

// runProducer 执行 producer，将 panic 转换为错误
func (s *Store) runProducer(ctx context.Context, producer Producer) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProducerPanic, r)
		}
	}()
	return producer(ctx)
}

func (s *Store) setRevalidating(key string, v bool) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.revalidating = v
	}
	s.mu.Unlock()
}
