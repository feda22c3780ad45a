package stream

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// PartitionLag is the broker-side offset lag of the consumer group on one
// partition.
type PartitionLag struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Latest    int64  `json:"latestOffset"`
	Committed int64  `json:"committedOffset"`
	Lag       int64  `json:"lag"`
}

// Admin queries group offsets.
type Admin struct {
	client  *kafka.Client
	groupID string
}

func NewAdmin(brokers []string, groupID string, timeout time.Duration) *Admin {
	return &Admin{
		client: &kafka.Client{
			Addr:    kafka.TCP(brokers...),
			Timeout: timeout,
			Transport: &kafka.Transport{
				Dial: (&net.Dialer{Timeout: timeout}).DialContext,
			},
		},
		groupID: groupID,
	}
}

// OffsetLag reports latest minus committed per partition of topics.
func (a *Admin) OffsetLag(ctx context.Context, topics []string) ([]PartitionLag, error) {
	meta, err := a.client.Metadata(ctx, &kafka.MetadataRequest{Topics: topics})
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	partitions := map[string][]int{}
	latestReq := map[string][]kafka.OffsetRequest{}
	for _, t := range meta.Topics {
		if t.Error != nil {
			continue
		}
		for _, p := range t.Partitions {
			partitions[t.Name] = append(partitions[t.Name], p.ID)
			latestReq[t.Name] = append(latestReq[t.Name], kafka.LastOffsetOf(p.ID))
		}
	}
	if len(partitions) == 0 {
		return []PartitionLag{}, nil
	}

	var (
		latest    *kafka.ListOffsetsResponse
		committed *kafka.OffsetFetchResponse
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		latest, err = a.client.ListOffsets(gctx, &kafka.ListOffsetsRequest{Topics: latestReq})
		return err
	})
	g.Go(func() error {
		var err error
		committed, err = a.client.OffsetFetch(gctx, &kafka.OffsetFetchRequest{GroupID: a.groupID, Topics: partitions})
		if err == nil && committed.Error != nil {
			err = committed.Error
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	committedBy := map[string]map[int]int64{}
	for topic, parts := range committed.Topics {
		committedBy[topic] = map[int]int64{}
		for _, p := range parts {
			if p.Error == nil {
				committedBy[topic][p.Partition] = p.CommittedOffset
			}
		}
	}
	out := []PartitionLag{}
	for topic, parts := range latest.Topics {
		for _, p := range parts {
			if p.Error != nil {
				continue
			}
			out = append(out, ComputePartitionLag(topic, p.Partition, p.LastOffset, committedBy[topic][p.Partition]))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out, nil
}

// ComputePartitionLag treats a negative (unset) committed offset as zero and
// never reports a negative lag.
func ComputePartitionLag(topic string, partition int, latest, committed int64) PartitionLag {
	if committed < 0 {
		committed = 0
	}
	lag := latest - committed
	if lag < 0 {
		lag = 0
	}
	return PartitionLag{Topic: topic, Partition: partition, Latest: latest, Committed: committed, Lag: lag}
}

// Ping checks that the cluster answers a metadata request.
func (a *Admin) Ping(ctx context.Context) error {
	_, err := a.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{}})
	return err
}
