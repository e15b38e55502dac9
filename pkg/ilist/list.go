// Package ilist provides an intrusive doubly linked list. Elements embed
// Entry and are linked without extra allocations.
package ilist

type Linker interface {
	Next() Element
	Prev() Element
	SetNext(Element)
	SetPrev(Element)
}

type Element interface {
	Linker
}

// List is an intrusive list. The zero value is an empty list ready to use.
//
// Iterate with:
//
//	for e := l.Front(); e != nil; e = e.Next() {}
type List struct {
	head Element
	tail Element
}

// Reset 清空链表
func (l *List) Reset() {
	l.head = nil
	l.tail = nil
}

// Empty 链表是否为空
func (l *List) Empty() bool {
	return l.head == nil
}

// Front 返回第一个元素
func (l *List) Front() Element {
	return l.head
}

// Back 返回最后一个元素
func (l *List) Back() Element {
	return l.tail
}

// Len 遍历计算元素个数
func (l *List) Len() (count int) {
	for e := l.Front(); e != nil; e = e.Next() {
		count++
	}
	return count
}

// PushFront 在头部插入e
func (l *List) PushFront(e Element) {
	e.SetNext(l.head)
	e.SetPrev(nil)

	if l.head != nil {
		l.head.SetPrev(e)
	} else {
		l.tail = e
	}

	l.head = e
}

// PushBack 在尾部插入e
func (l *List) PushBack(e Element) {
	e.SetNext(nil)
	e.SetPrev(l.tail)

	if l.tail != nil {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}

	l.tail = e
}

// Remove 从链表中移除e
func (l *List) Remove(e Element) {
	prev := e.Prev()
	next := e.Next()

	if prev != nil {
		prev.SetNext(next)
	} else {
		l.head = next
	}

	if next != nil {
		next.SetPrev(prev)
	} else {
		l.tail = prev
	}

	e.SetNext(nil)
	e.SetPrev(nil)
}

// Entry is a default implementation of Linker. Users can add anonymous fields
// of this type to their structs to make them automatically implement the
// methods needed by List.
type Entry struct {
	next Element
	prev Element
}

func (e *Entry) Next() Element {
	return e.next
}

func (e *Entry) Prev() Element {
	return e.prev
}

func (e *Entry) SetNext(elem Element) {
	e.next = elem
}

func (e *Entry) SetPrev(elem Element) {
	e.prev = elem
}
