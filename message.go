package dbbus

import "github.com/IBM/sarama"

// Message is a single broker record as seen by the consumer manager.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

func newMessage(cm *sarama.ConsumerMessage) Message {
	return Message{
		Topic:     cm.Topic,
		Partition: cm.Partition,
		Offset:    cm.Offset,
		Key:       cm.Key,
		Value:     cm.Value,
	}
}
