package remote

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Shopify/sarama"

	"github.com/janelia-flyem/slicecube/dvid"
)

// KafkaMaxMessageSize is the max message size in bytes for a Kafka message.
const KafkaMaxMessageSize = 980 * dvid.Kilo

// KafkaConfig describes kafka servers and the topic receiving upload notices.
type KafkaConfig struct {
	Servers []string
	Topic   string
}

// Notifier wraps a Client and publishes a message for every successful upload.
type Notifier struct {
	Client
	producer sarama.AsyncProducer
	topic    string
	done     chan struct{}
}

type uploadNotice struct {
	Artifact string `json:"artifact"`
	Bytes    int    `json:"bytes"`
	Time     string `json:"time"`
}

// WithKafka returns c unchanged when no kafka servers are configured, else a client
// that announces uploads on the configured topic.
func WithKafka(c Client, kc KafkaConfig) (Client, error) {
	if len(kc.Servers) == 0 {
		return c, nil
	}
	config := sarama.NewConfig()
	config.Producer.MaxMessageBytes = KafkaMaxMessageSize
	producer, err := sarama.NewAsyncProducer(kc.Servers, config)
	if err != nil {
		return nil, err
	}
	topic := kc.Topic
	if topic == "" {
		topic = "slicecube-uploads"
	}
	dvid.Infof("Kafka topic for upload notices: %s\n", topic)
	return newNotifier(c, producer, topic), nil
}

func newNotifier(c Client, producer sarama.AsyncProducer, topic string) *Notifier {
	n := &Notifier{Client: c, producer: producer, topic: topic, done: make(chan struct{})}
	go func() {
		defer close(n.done)
		for err := range producer.Errors() {
			dvid.Errorf("error on kafka send: %v\n", err)
		}
	}()
	return n
}

func (n *Notifier) Upload(ctx context.Context, artifact string, data []byte) error {
	if err := n.Client.Upload(ctx, artifact, data); err != nil {
		return err
	}
	now := time.Now()
	msg, err := json.Marshal(uploadNotice{Artifact: artifact, Bytes: len(data), Time: now.Format(time.RFC3339)})
	if err != nil {
		dvid.Errorf("unable to marshal upload notice for %s: %v\n", artifact, err)
		return nil
	}
	timeKey := sarama.StringEncoder(strconv.FormatInt(now.UnixNano(), 10))
	n.producer.Input() <- &sarama.ProducerMessage{Topic: n.topic, Key: timeKey, Value: sarama.ByteEncoder(msg)}
	return nil
}

// Close flushes queued notices.
func (n *Notifier) Close() error {
	err := n.producer.Close()
	<-n.done
	if err != nil {
		dvid.Errorf("Kafka producer had error on close: %v\n", err)
	}
	return err
}
