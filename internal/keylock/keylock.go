// Package keylock предоставляет мьютекс, выделяемый по строковому ключу.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map сериализует операции с одинаковым ключом, не блокируя операции с разными ключами.
// Записи удаляются, когда ключ больше никем не удерживается.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New создаёт пустую карту блокировок.
func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock захватывает блокировку ключа и возвращает функцию её освобождения.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// Len возвращает количество ключей, которые сейчас удерживаются или ожидаются.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
