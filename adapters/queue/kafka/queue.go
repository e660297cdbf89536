//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	enterrors "github.com/weaviate/snapgraph/entities/errors"
	"github.com/weaviate/snapgraph/entities/mutation"
	"github.com/weaviate/snapgraph/usecases/ingest"
	"github.com/weaviate/snapgraph/usecases/monitoring"
)

// Config of a Kafka backed durable queue. Kafka partition i of Topic holds
// storage partition i, so the topic needs at least Partitions partitions.
// The topic must not be compacted and must not be written transactionally:
// both leave gaps in offsets, which ingestion treats as corruption.
type Config struct {
	Brokers        []string
	Topic          string
	ClientID       string
	Partitions     int
	PollWait       time.Duration
	MaxPollRecords int
	ProduceTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.PollWait <= 0 {
		c.PollWait = 500 * time.Millisecond
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 1000
	}
	if c.ProduceTimeout <= 0 {
		c.ProduceTimeout = 10 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = "snapgraph"
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("queue.kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("queue.kafka.topic is required")
	}
	if c.Partitions <= 0 {
		return errors.New("partition count must be positive")
	}
	return nil
}

// Queue implements ingest.Queue and ingest.Producer on a Kafka topic.
type Queue struct {
	cfg     Config
	logger  logrus.FieldLogger
	metrics *monitoring.PrometheusMetrics
	opts    []kgo.Opt

	producer *kgo.Client
}

func New(cfg Config, logger logrus.FieldLogger, metrics *monitoring.PrometheusMetrics, opts ...kgo.Opt) (*Queue, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		cfg:     cfg,
		logger:  logger.WithField("queue", "kafka"),
		metrics: metrics,
		opts:    opts,
	}
	return q, nil
}

func (q *Queue) baseOpts() []kgo.Opt {
	kopts := []kgo.Opt{
		kgo.SeedBrokers(q.cfg.Brokers...),
		kgo.ClientID(q.cfg.ClientID),
	}
	return append(kopts, q.opts...)
}

func (q *Queue) Partitions() int {
	return q.cfg.Partitions
}

func (q *Queue) client() (*kgo.Client, error) {
	if q.producer != nil {
		return q.producer, nil
	}
	kopts := append(q.baseOpts(),
		kgo.DefaultProduceTopic(q.cfg.Topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka producer: %w", err)
	}
	q.producer = cl
	return cl, nil
}

// Start creates the producing client. It must be called before Append.
func (q *Queue) Start() error {
	_, err := q.client()
	return err
}

// Append implements ingest.Producer. Offsets are assigned by the broker;
// franz-go keeps the order of records produced to one partition by one
// client.
func (q *Queue) Append(ctx context.Context, records ...*mutation.Record) error {
	if q.producer == nil {
		return errors.New("kafka queue not started")
	}
	krs := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		if r.PartitionID < 0 || int(r.PartitionID) >= q.cfg.Partitions {
			return fmt.Errorf("unknown partition %d", r.PartitionID)
		}
		value, err := mutation.Encode(r)
		if err != nil {
			return err
		}
		krs = append(krs, &kgo.Record{
			Topic:     q.cfg.Topic,
			Partition: r.PartitionID,
			Key:       []byte(r.OperationID),
			Value:     value,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, q.cfg.ProduceTimeout)
	defer cancel()
	results := q.producer.ProduceSync(ctx, krs...)
	if err := results.FirstErr(); err != nil {
		return enterrors.NewErrUnreachable("kafka", err)
	}
	for i, res := range results {
		records[i].Offset = res.Record.Offset
		if q.metrics != nil {
			q.metrics.QueueRecordsAppended.WithLabelValues("kafka", records[i].Op.String()).Inc()
		}
	}
	return nil
}

// Consume implements ingest.Queue with a dedicated client reading exactly
// one partition, without a consumer group: progress lives in the partition
// store, not in Kafka.
func (q *Queue) Consume(ctx context.Context, partition int32, from int64) (ingest.Consumer, error) {
	if partition < 0 || int(partition) >= q.cfg.Partitions {
		return nil, fmt.Errorf("unknown partition %d", partition)
	}
	if from < 0 {
		from = 0
	}
	kopts := append(q.baseOpts(),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			q.cfg.Topic: {partition: kgo.NewOffset().At(from)},
		}),
		kgo.FetchMaxWait(q.cfg.PollWait),
	)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, enterrors.NewErrUnreachable("kafka", err)
	}
	return &consumer{
		client:    cl,
		partition: partition,
		next:      from,
		wait:      q.cfg.PollWait,
		max:       q.cfg.MaxPollRecords,
	}, nil
}

func (q *Queue) Close() error {
	if q.producer != nil {
		q.producer.Close()
		q.producer = nil
	}
	return nil
}

type consumer struct {
	client    *kgo.Client
	partition int32
	next      int64
	wait      time.Duration
	max       int
}

// Poll implements ingest.Consumer.
func (c *consumer) Poll(ctx context.Context) ([]*mutation.Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()

	fetches := c.client.PollRecords(pollCtx, c.max)
	if fetches.IsClientClosed() {
		return nil, errors.New("kafka consumer closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return nil, enterrors.NewErrUnreachable("kafka", fe.Err)
	}

	var out []*mutation.Record
	var decodeErr error
	fetches.EachRecord(func(kr *kgo.Record) {
		if decodeErr != nil || kr.Partition != c.partition {
			return
		}
		r, err := decodeRecord(kr)
		if err != nil {
			decodeErr = err
			return
		}
		out = append(out, r)
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	if len(out) > 0 {
		c.next = out[len(out)-1].Offset + 1
	}
	return out, nil
}

// decodeRecord decodes the payload of kr. The offset is the broker's; the
// partition carried in the payload must match the one kr was read from.
func decodeRecord(kr *kgo.Record) (*mutation.Record, error) {
	r, err := mutation.Decode(kr.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: partition %d offset %d: %v", ingest.ErrCorruptedLog, kr.Partition, kr.Offset, err)
	}
	if r.PartitionID != kr.Partition {
		return nil, fmt.Errorf("%w: partition %d offset %d holds a record of partition %d",
			ingest.ErrCorruptedLog, kr.Partition, kr.Offset, r.PartitionID)
	}
	r.Offset = kr.Offset
	return r, nil
}

func (c *consumer) Close() error {
	c.client.Close()
	return nil
}
