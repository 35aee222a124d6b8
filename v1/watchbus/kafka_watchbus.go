package watchbus

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan []byte
}

// KafkaWatchBus implements WatchBus with one Kafka topic per key, consumed
// from partition 0 starting at the newest offset. Prefix subscriptions are
// not supported.
type KafkaWatchBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	mu       sync.Mutex
	subs     map[string]*kafkaSubscription
}

// NewKafkaWatchBus creates a new KafkaWatchBus connecting to the given brokers.
func NewKafkaWatchBus(brokers []string, cfg *sarama.Config) (*KafkaWatchBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return NewKafkaWatchBusFromClients(producer, consumer), nil
}

// NewKafkaWatchBusFromClients wraps an existing producer and consumer.
func NewKafkaWatchBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaWatchBus {
	return &KafkaWatchBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}
}

// maxTopicLen is the longest topic name a Kafka broker accepts.
const maxTopicLen = 249

// validTopic reports whether key is a legal Kafka topic name.
func validTopic(key string) bool {
	if key == "" || key == "." || key == ".." || len(key) > maxTopicLen {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Publish implements WatchBus.Publish. Keys that are not legal topic names
// fail with sarama.ErrInvalidTopic.
func (b *KafkaWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validTopic(key) {
		return sarama.ErrInvalidTopic
	}
	msg := &sarama.ProducerMessage{Topic: key, Value: sarama.ByteEncoder(data)}
	_, _, err := b.producer.SendMessage(msg)
	return err
}

// Watch implements WatchBus.Watch.
func (b *KafkaWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if !validTopic(key) {
		return nil, sarama.ErrInvalidTopic
	}
	ch := make(chan []byte, 16)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(key, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[key] = sub
		go b.dispatch(sub)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaWatchBus) dispatch(sub *kafkaSubscription) {
	for msg := range sub.pc.Messages() {
		b.mu.Lock()
		for _, ch := range sub.chans {
			select {
			case ch <- msg.Value:
			default:
			}
		}
		b.mu.Unlock()
	}
}

// SubscribePrefix is not supported by Kafka topics.
func (b *KafkaWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return nil, ErrPrefixUnsupported
}

// Unwatch implements WatchBus.Unwatch.
func (b *KafkaWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close releases resources used by the KafkaWatchBus.
func (b *KafkaWatchBus) Close() error {
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}

var _ WatchBus = (*KafkaWatchBus)(nil)
