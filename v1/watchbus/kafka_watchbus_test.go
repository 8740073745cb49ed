package watchbus

import (
	"context"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaWatchBusPublish(t *testing.T) {
	cfg := mocks.NewTestConfig()
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "hello" {
			t.Errorf("unexpected payload %s", val)
		}
		return nil
	})
	consumer := mocks.NewConsumer(t, cfg)
	bus := NewKafkaWatchBusFrom(producer, consumer)

	if err := bus.Publish(context.Background(), Topic, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaWatchBusWatch(t *testing.T) {
	cfg := mocks.NewTestConfig()
	producer := mocks.NewSyncProducer(t, cfg)
	consumer := mocks.NewConsumer(t, cfg)
	consumer.ExpectConsumePartition(Topic, 0, sarama.OffsetNewest).
		YieldMessage(&sarama.ConsumerMessage{Topic: Topic, Value: []byte("hello")})
	bus := NewKafkaWatchBusFrom(producer, consumer)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Watch(ctx, Topic)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("watcher not removed on cancel")
	}
}
