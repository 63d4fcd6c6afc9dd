package cache

import "sync"

// OptimisticUpdate 乐观更新
//
// 立即对当前值（不存在时为 nil）应用 updater 并写入缓存，返回回滚函数。
// updater 在写锁内执行，必须是纯函数，不能回调 Store；updater panic 时
// 锁被释放、条目保持原样，panic 继续向调用方传播。
//
// 回滚规则：
//   - 幂等，第一次之后的调用均为空操作
//   - 仅当条目仍持有本次乐观写入的版本时才恢复快照（包括"原本不存在"）
//   - 期间若有确认写入（Set/拉取完成）覆盖了条目，回滚静默放弃，不覆盖更新的数据
func (s *Store) OptimisticUpdate(key string, updater func(current any) any, opts ...SetOption) (rollback func()) {
	e, snapshot, existed, n := s.applyOptimistic(key, updater, opts)
	optimisticVersion := e.version

	s.metrics.SetEntries(n)
	s.metrics.RecordOptimistic("applied")
	s.broadcast(Event{Type: EventSet, Key: key, ResourceType: e.resourceType})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.rollback(key, optimisticVersion, snapshot, existed)
		})
	}
}

// applyOptimistic 在写锁内取快照并写入 updater 的结果
func (s *Store) applyOptimistic(key string, updater func(current any) any, opts []SetOption) (e *entry, snapshot entry, existed bool, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.entries[key]
	var current any
	if existed {
		snapshot = *prev
		current = prev.data
	}
	next := updater(current)
	e = s.putLocked(key, next, opts)
	return e, snapshot, existed, len(s.entries)
}

func (s *Store) rollback(key string, optimisticVersion uint64, snapshot entry, existed bool) {
	s.mu.Lock()
	cur, ok := s.entries[key]
	if !ok || cur.version != optimisticVersion {
		s.mu.Unlock()
		s.metrics.RecordOptimistic("rollback_skipped")
		s.logger.WithKey(key).Debug("optimistic rollback skipped, entry overwritten")
		return
	}

	rt := cur.resourceType
	if existed {
		restored := snapshot
		s.version++
		restored.version = s.version
		restored.revalidating = cur.revalidating
		s.entries[key] = &restored
		rt = restored.resourceType
	} else {
		delete(s.entries, key)
	}
	n := len(s.entries)
	s.mu.Unlock()

	s.metrics.SetEntries(n)
	s.metrics.RecordOptimistic("rolled_back")
	s.broadcast(Event{Type: EventSet, Key: key, ResourceType: rt})
}
