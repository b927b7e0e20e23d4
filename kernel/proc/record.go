package proc

import (
	"encoding/binary"

	"github.com/retroaalto/atOS-sub000/kernel"
	"github.com/retroaalto/atOS-sub000/kernel/sync"
)

const (
	// MaxNameLen is the longest task name that is stored. Longer names are
	// truncated.
	MaxNameLen = 31

	// The task record stores the pid, the parent pid and a NUL-terminated
	// name.
	recordSize = 4 + 4 + MaxNameLen + 1

	// MessageQueueLen is the number of messages a task can hold.
	MessageQueueLen = 16

	// Each message stores the sender, the message type, a flag telling
	// whether a data word is attached and the data word.
	messageSize = 16
)

// writeRecord stores the identity of t in its heap record.
func writeRecord(tok *sync.Token, t *tcb, name string) *kernel.Error {
	buf, err := heapBytesFn(tok, t.record)
	if err != nil {
		return err
	}

	kernel.Memset(buf[:recordSize], 0)
	binary.LittleEndian.PutUint32(buf[0:], uint32(t.pid))
	binary.LittleEndian.PutUint32(buf[4:], uint32(t.parent))

	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	copy(buf[8:8+MaxNameLen], name)
	return nil
}

// recordName returns the name stored in the heap record of t.
func recordName(tok *sync.Token, t *tcb) string {
	buf, err := heapBytesFn(tok, t.record)
	if err != nil {
		return ""
	}

	name := buf[8 : 8+MaxNameLen+1]
	for i, c := range name {
		if c == 0 {
			return string(name[:i])
		}
	}
	return string(name)
}

// Message is an entry in a task's inbound message queue.
type Message struct {
	Sender  PID
	Type    uint32
	HasData bool
	Data    uint32
}

func putMessage(buf []byte, msg Message) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(msg.Sender))
	binary.LittleEndian.PutUint32(buf[4:], msg.Type)
	binary.LittleEndian.PutUint32(buf[8:], 0)
	if msg.HasData {
		binary.LittleEndian.PutUint32(buf[8:], 1)
	}
	binary.LittleEndian.PutUint32(buf[12:], msg.Data)
}

func getMessage(buf []byte) Message {
	return Message{
		Sender:  PID(binary.LittleEndian.Uint32(buf[0:])),
		Type:    binary.LittleEndian.Uint32(buf[4:]),
		HasData: binary.LittleEndian.Uint32(buf[8:]) != 0,
		Data:    binary.LittleEndian.Uint32(buf[12:]),
	}
}

// allocRecords reserves the heap record and the message queue of t.
func allocRecords(tok *sync.Token, t *tcb) *kernel.Error {
	var err *kernel.Error
	if t.record, err = heapAllocFn(tok, recordSize); err != nil {
		return err
	}

	if t.queue, err = heapCallocFn(tok, MessageQueueLen, messageSize); err != nil {
		freeRecords(tok, t)
		return err
	}

	return nil
}

// freeRecords releases the heap memory held by t.
func freeRecords(tok *sync.Token, t *tcb) {
	for _, ptr := range []*uintptr{&t.record, &t.queue} {
		if *ptr == 0 {
			continue
		}

		if err := heapFreeFn(tok, *ptr); err != nil {
			panicFn(err)
		}
		*ptr = 0
	}
}
