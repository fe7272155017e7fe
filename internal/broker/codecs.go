package broker

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/snappy"

	"github.com/relaydb/pagestore/internal/storage"
)

const (
	messageRecordCodecName    = "broker.MessageRecord"
	queueEntryRecordCodecName = "broker.QueueEntryRecord"

	flagRaw       byte = 0
	flagSnappy    byte = 1
	messageHeader      = 1 + 8 + 4 // flag + key + body length
)

// MessageRecordCodec encodes/decodes MessageRecord values. Bodies above
// snappyThreshold are snappy-compressed when doing so actually shrinks them,
// mirroring the teacher pack's conditional-compression pager design; small
// bodies are stored raw to avoid paying the framing overhead.
type MessageRecordCodec struct {
	snappyThreshold int
}

// NewMessageRecordCodec creates a codec compressing bodies larger than
// snappyThreshold bytes when compression helps. A non-positive threshold
// disables compression entirely.
func NewMessageRecordCodec(snappyThreshold int) *MessageRecordCodec {
	return &MessageRecordCodec{snappyThreshold: snappyThreshold}
}

func (c *MessageRecordCodec) Name() string { return messageRecordCodecName }

func (c *MessageRecordCodec) Encode(value any) ([]byte, error) {
	rec, ok := value.(MessageRecord)
	if !ok {
		return nil, fmt.Errorf("broker: MessageRecordCodec.Encode: unexpected type %T", value)
	}

	body := rec.Body
	flag := flagRaw
	if c.snappyThreshold > 0 && len(body) > c.snappyThreshold {
		compressed := snappy.Encode(nil, rec.Body)
		if len(compressed) < len(rec.Body) {
			body = compressed
			flag = flagSnappy
		}
	}

	buf := make([]byte, messageHeader+len(body))
	buf[0] = flag
	binary.LittleEndian.PutUint64(buf[1:9], uint64(rec.Key))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(body)))
	copy(buf[messageHeader:], body)
	return buf, nil
}

func (c *MessageRecordCodec) Decode(buf []byte) (any, error) {
	if len(buf) < messageHeader {
		return nil, fmt.Errorf("broker: MessageRecordCodec.Decode: buffer too small")
	}
	flag := buf[0]
	key := MessageKey(binary.LittleEndian.Uint64(buf[1:9]))
	bodyLen := binary.LittleEndian.Uint32(buf[9:13])
	if messageHeader+int(bodyLen) > len(buf) {
		return nil, fmt.Errorf("broker: MessageRecordCodec.Decode: truncated body")
	}
	stored := buf[messageHeader : messageHeader+int(bodyLen)]

	var body []byte
	switch flag {
	case flagRaw:
		body = append([]byte(nil), stored...)
	case flagSnappy:
		decoded, err := snappy.Decode(nil, stored)
		if err != nil {
			return nil, fmt.Errorf("broker: MessageRecordCodec.Decode: snappy: %w", err)
		}
		body = decoded
	default:
		return nil, fmt.Errorf("broker: MessageRecordCodec.Decode: unknown flag %d", flag)
	}

	return MessageRecord{Key: key, Body: body}, nil
}

func (c *MessageRecordCodec) Load(r storage.PageReader, page storage.PageId) (any, error) {
	buf, err := r.ReadPage(page)
	if err != nil {
		return nil, err
	}
	return c.Decode(buf)
}

// Remove frees the message's page. The flush worker is responsible for
// untracking the (messageKey -> page) mapping it keeps for future puts.
func (c *MessageRecordCodec) Remove(tx *storage.Transaction, page storage.PageId) error {
	return tx.Allocator().Free(page, 1)
}

// QueueEntryRecordCodec encodes/decodes QueueEntryRecord values. Every
// record is a fixed 24 bytes, so it never needs compression or more than
// one page.
type QueueEntryRecordCodec struct{}

// NewQueueEntryRecordCodec creates a codec for queue entry placements.
func NewQueueEntryRecordCodec() *QueueEntryRecordCodec {
	return &QueueEntryRecordCodec{}
}

func (c *QueueEntryRecordCodec) Name() string { return queueEntryRecordCodecName }

func (c *QueueEntryRecordCodec) Encode(value any) ([]byte, error) {
	e, ok := value.(QueueEntryRecord)
	if !ok {
		return nil, fmt.Errorf("broker: QueueEntryRecordCodec.Encode: unexpected type %T", value)
	}
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.Queue))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.Seq))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(e.Message))
	return buf, nil
}

func (c *QueueEntryRecordCodec) Decode(buf []byte) (any, error) {
	if len(buf) < 24 {
		return nil, fmt.Errorf("broker: QueueEntryRecordCodec.Decode: buffer too small")
	}
	return QueueEntryRecord{
		Queue:   QueueKey(binary.LittleEndian.Uint64(buf[0:8])),
		Seq:     QueueSeq(binary.LittleEndian.Uint64(buf[8:16])),
		Message: MessageKey(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}

func (c *QueueEntryRecordCodec) Load(r storage.PageReader, page storage.PageId) (any, error) {
	buf, err := r.ReadPage(page)
	if err != nil {
		return nil, err
	}
	return c.Decode(buf)
}

func (c *QueueEntryRecordCodec) Remove(tx *storage.Transaction, page storage.PageId) error {
	return tx.Allocator().Free(page, 1)
}
