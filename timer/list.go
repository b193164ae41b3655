// Package timer keeps idle-eviction deadlines in a list sorted by expiry.
//
// The list is not safe for concurrent use; it belongs to the reactor thread.
package timer

import "time"

// Entry is one deadline. Entries are linked into at most one List and only
// the List that owns an entry can move or unlink it.
type Entry[T any] struct {
	Expire time.Time
	Value  T

	prev, next *Entry[T]
	list       *List[T]
}

// Next returns the entry after e or nil.
func (e *Entry[T]) Next() *Entry[T] {
	return e.next
}

// Linked reports whether e is currently owned by a list.
func (e *Entry[T]) Linked() bool {
	return e.list != nil
}

// List is sorted ascending by Expire from head to tail.
type List[T any] struct {
	head, tail *Entry[T]
	length     int
}

func NewList[T any]() *List[T] {
	return &List[T]{}
}

// NewEntry builds an unlinked entry.
func NewEntry[T any](expire time.Time, value T) *Entry[T] {
	return &Entry[T]{Expire: expire, Value: value}
}

// Front returns the earliest entry or nil.
func (l *List[T]) Front() *Entry[T] {
	return l.head
}

// Len ...
func (l *List[T]) Len() int {
	return l.length
}

// Insert links e in deadline order. An entry that already belongs to a list is
// left untouched and false is returned.
func (l *List[T]) Insert(e *Entry[T]) bool {
	if e == nil || e.list != nil {
		return false
	}
	e.list = l
	l.length++

	if l.head == nil {
		l.head, l.tail = e, e
		return true
	}
	if !e.Expire.After(l.head.Expire) {
		e.next, l.head.prev, l.head = l.head, e, e
		return true
	}
	l.put(e)
	return true
}

// put places e before the first entry whose deadline is not earlier than its own.
// head is known to expire before e.
func (l *List[T]) put(e *Entry[T]) {
	for cur := l.head.next; cur != nil; cur = cur.next {
		if !cur.Expire.Before(e.Expire) {
			e.prev, e.next = cur.prev, cur
			cur.prev.next = e
			cur.prev = e
			return
		}
	}
	e.prev, e.next = l.tail, nil
	l.tail.next = e
	l.tail = e
}

// Touch sets a later deadline on e and moves it if it now expires after its successor.
func (l *List[T]) Touch(e *Entry[T], expire time.Time) {
	if e == nil || e.list != l {
		return
	}
	e.Expire = expire
	if e.next == nil || !e.Expire.After(e.next.Expire) {
		return
	}
	l.unlink(e)
	e.list = l
	l.length++
	l.put(e)
}

// Remove unlinks e. It reports false when e is not owned by l.
func (l *List[T]) Remove(e *Entry[T]) bool {
	if e == nil || e.list != l {
		return false
	}
	l.unlink(e)
	return true
}

func (l *List[T]) unlink(e *Entry[T]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.next, e.prev, e.list = nil, nil, nil
	l.length--
}

// Sweep unlinks every entry whose deadline is not after now and hands its value
// to expire, earliest first. It returns the number of expired entries.
func (l *List[T]) Sweep(now time.Time, expire func(T)) int {
	n := 0
	for l.head != nil && !l.head.Expire.After(now) {
		e := l.head
		l.unlink(e)
		n++
		if expire != nil {
			expire(e.Value)
		}
	}
	return n
}

// Empty unlinks every entry.
func (l *List[T]) Empty() {
	for l.head != nil {
		l.unlink(l.head)
	}
}
