package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// kafkaErrTopicExists is Kafka protocol error code 36 (TOPIC_ALREADY_EXISTS).
const kafkaErrTopicExists = 36

// ensureTopic creates a topic through the admin API if it does not exist yet.
// An already-existing topic is not an error; producer and consumer both call
// this on startup so either side can run first.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 || replication <= 0 {
		return fmt.Errorf("partitions and replication must be positive")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replication
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	ctResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}

	for _, tr := range ctResp.Topics {
		if tr.ErrorCode != 0 {
			if tr.ErrorCode == kafkaErrTopicExists {
				slog.Debug("topic already exists", slog.String("topic", tr.Topic))
				continue
			}
			msg := ""
			if tr.ErrorMessage != nil {
				msg = *tr.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
		}
		slog.Info("topic created",
			slog.String("topic", tr.Topic),
			slog.Int("partitions", int(partitions)))
	}
	return nil
}
