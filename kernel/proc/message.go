package proc

import (
	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

var (
	errQueueFull  = &kernel.Error{Module: "proc", Message: "message queue is full"}
	errQueueEmpty = &kernel.Error{Module: "proc", Message: "message queue is empty"}
)

// Send appends msg to the message queue of task to. The sender field is set
// to the running task. A task blocked in Waiting state is made active so it
// can pick up the message.
func Send(tok *sync.Token, to PID, msg Message) *kernel.Error {
	sync.Must(tok)

	t, err := lookup(to)
	if err != nil {
		return err
	}

	switch {
	case t.state == Terminated || t.state == Zombie:
		return errTaskTerminated
	case t.queueLen == MessageQueueLen:
		return errQueueFull
	}

	buf, err := heapBytesFn(tok, t.queue)
	if err != nil {
		return err
	}

	msg.Sender = current
	slot := (t.queueHead + t.queueLen) % MessageQueueLen
	putMessage(buf[slot*messageSize:], msg)
	t.queueLen++

	if t.state == Waiting {
		t.state = Active
	}
	return nil
}

// Receive removes the oldest message from the queue of task pid.
func Receive(tok *sync.Token, pid PID) (Message, *kernel.Error) {
	sync.Must(tok)

	t, err := lookup(pid)
	if err != nil {
		return Message{}, err
	}

	if t.queueLen == 0 {
		return Message{}, errQueueEmpty
	}

	buf, err := heapBytesFn(tok, t.queue)
	if err != nil {
		return Message{}, err
	}

	msg := getMessage(buf[t.queueHead*messageSize:])
	t.queueHead = (t.queueHead + 1) % MessageQueueLen
	t.queueLen--
	return msg, nil
}

// MessageCount returns the number of messages queued for task pid.
func MessageCount(tok *sync.Token, pid PID) (int, *kernel.Error) {
	sync.Must(tok)

	t, err := lookup(pid)
	if err != nil {
		return 0, err
	}
	return t.queueLen, nil
}
