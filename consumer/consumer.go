// Package consumer manages consumer groups: membership, round-robin
// partition assignment, offset commits, and reads from the log store.
//
// Committed offsets follow next-to-read semantics: committing offset n
// means everything below n has been consumed, so a partition's lag is its
// log length minus its committed offset.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/logstore"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/stream"
)

// ConfigSource resolves the stream config owning a topic.
type ConfigSource interface {
	GetByTopic(topic string) (*stream.Config, error)
}

// Group is a read-only snapshot of one consumer group.
type Group struct {
	ID          string           `json:"id"`
	Topic       string           `json:"topic"`
	Members     []string         `json:"members"`
	Assignments map[string][]int `json:"assignments"`
	Committed   map[int]int64    `json:"committed"`
	CreatedAt   time.Time        `json:"createdAt"`
}

type groupState struct {
	id          string
	topic       string
	partitions  int
	members     []string // join order
	assignments map[string][]int
	committed   map[int]int64
	createdAt   time.Time
}

// Manager owns every consumer group in the engine.
type Manager struct {
	mu     sync.RWMutex
	groups map[string]*groupState

	configs ConfigSource
	store   logstore.Store
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Consume defaults.
const (
	DefaultBatchSize = 10
	DefaultWait      = 5 * time.Second
)

// NoWait makes Consume return immediately when nothing is buffered
// instead of blocking for the default wait.
const NoWait = time.Duration(-1)

// ConsumeOptions tune one Consume call. The zero value reads up to
// DefaultBatchSize messages, blocks up to DefaultWait when the assigned
// partitions are drained, and commits the delivered offsets.
type ConsumeOptions struct {
	BatchSize    int           // max messages across partitions
	Wait         time.Duration // 0 = DefaultWait, NoWait = return immediately
	ManualCommit bool          // suppress the offset commit for this call
}

// NewManager creates an empty group manager.
func NewManager(configs ConfigSource, store logstore.Store, logger *slog.Logger, metrics *metric.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		groups:  make(map[string]*groupState),
		configs: configs,
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// CreateGroup registers a group on a topic with all committed offsets at
// zero. Creating a group that already exists on the same topic is a no-op;
// on a different topic it is an error.
func (m *Manager) CreateGroup(groupID, topic string) error {
	cfg, err := m.configs.GetByTopic(topic)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if g, exists := m.groups[groupID]; exists {
		if g.topic == topic {
			return nil
		}
		return errors.WrapInvalid(
			fmt.Errorf("group %q already bound to topic %q", groupID, g.topic),
			"Manager", "CreateGroup", "check topic binding")
	}

	committed := make(map[int]int64, cfg.Partitions)
	for p := 0; p < cfg.Partitions; p++ {
		committed[p] = 0
	}

	m.groups[groupID] = &groupState{
		id:          groupID,
		topic:       topic,
		partitions:  cfg.Partitions,
		assignments: make(map[string][]int),
		committed:   committed,
		createdAt:   time.Now().UTC(),
	}

	m.logger.Info("consumer group created", "group", groupID, "topic", topic)
	return nil
}

// JoinGroup adds a member and rebalances. Joining twice is a no-op.
// Returns the member's partition assignment after the rebalance.
func (m *Manager) JoinGroup(groupID, memberID string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, exists := m.groups[groupID]
	if !exists {
		return nil, errors.WrapNotFound(errors.ErrGroupNotFound, "Manager", "JoinGroup", fmt.Sprintf("group %q", groupID))
	}

	if !slices.Contains(g.members, memberID) {
		g.members = append(g.members, memberID)
		g.rebalance()
		m.logger.Info("member joined group",
			"group", groupID,
			"member", memberID,
			"members", len(g.members))
	}
	return slices.Clone(g.assignments[memberID]), nil
}

// LeaveGroup removes a member and rebalances its partitions onto the
// remaining members. Unknown members are ignored.
func (m *Manager) LeaveGroup(groupID, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, exists := m.groups[groupID]
	if !exists {
		return errors.WrapNotFound(errors.ErrGroupNotFound, "Manager", "LeaveGroup", fmt.Sprintf("group %q", groupID))
	}

	idx := slices.Index(g.members, memberID)
	if idx < 0 {
		return nil
	}
	g.members = slices.Delete(g.members, idx, idx+1)
	g.rebalance()

	m.logger.Info("member left group", "group", groupID, "member", memberID, "members", len(g.members))
	return nil
}

// DeleteGroup removes the group and its offsets. Returns false when the
// group is unknown.
func (m *Manager) DeleteGroup(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.groups[groupID]; !exists {
		return false
	}
	delete(m.groups, groupID)
	m.logger.Info("consumer group deleted", "group", groupID)
	return true
}

// DeleteForTopic removes every group bound to a topic. Used by the engine
// when a stream is deleted.
func (m *Manager) DeleteForTopic(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, g := range m.groups {
		if g.topic == topic {
			delete(m.groups, id)
			n++
		}
	}
	return n
}

// GetGroup returns a snapshot of one group.
func (m *Manager) GetGroup(groupID string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, exists := m.groups[groupID]
	if !exists {
		return nil, errors.WrapNotFound(errors.ErrGroupNotFound, "Manager", "GetGroup", fmt.Sprintf("group %q", groupID))
	}
	return g.snapshot(), nil
}

// ListGroups returns snapshots of all groups.
func (m *Manager) ListGroups() []*Group {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g.snapshot())
	}
	return out
}

// GroupsForTopic returns snapshots of the groups bound to a topic.
func (m *Manager) GroupsForTopic(topic string) []*Group {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Group
	for _, g := range m.groups {
		if g.topic == topic {
			out = append(out, g.snapshot())
		}
	}
	return out
}

// Consume reads up to opts.BatchSize messages from the member's assigned
// partitions, waiting up to opts.Wait for data when every partition is
// drained. Members unknown to the group are registered on first use.
// Unless opts.ManualCommit is set, delivered offsets are committed before
// returning.
func (m *Manager) Consume(ctx context.Context, groupID, memberID string, opts ConsumeOptions) ([]*message.Message, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Wait == 0 {
		opts.Wait = DefaultWait
	}

	assigned, topic, err := m.memberView(groupID, memberID)
	if err != nil {
		return nil, err
	}

	cfg, err := m.configs.GetByTopic(topic)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, errors.WrapInvalid(errors.ErrStreamDisabled, "Manager", "Consume", fmt.Sprintf("topic %q", topic))
	}

	if len(assigned) == 0 {
		return nil, nil
	}

	msgs, err := m.sweep(ctx, groupID, topic, assigned, opts.BatchSize, 0)
	if err != nil {
		return nil, err
	}

	// Nothing buffered anywhere: block on the first assigned partition,
	// then drain the rest without waiting.
	if len(msgs) == 0 && opts.Wait > 0 {
		msgs, err = m.sweep(ctx, groupID, topic, assigned, opts.BatchSize, opts.Wait)
		if err != nil {
			return nil, err
		}
	}

	if len(msgs) > 0 {
		if !opts.ManualCommit {
			if err := m.CommitOffsets(ctx, groupID, NextOffsets(msgs)); err != nil {
				return nil, err
			}
		}
		m.metrics.RecordConsumed(topic, groupID, len(msgs))
	}
	return msgs, nil
}

// sweep reads each assigned partition in turn. blockTimeout applies only
// to the first partition read; later partitions are drained non-blocking.
func (m *Manager) sweep(ctx context.Context, groupID, topic string, partitions []int, maxMessages int, blockTimeout time.Duration) ([]*message.Message, error) {
	var out []*message.Message

	for i, p := range partitions {
		if len(out) >= maxMessages {
			break
		}

		from := m.committedOffset(groupID, p)
		timeout := time.Duration(0)
		if i == 0 {
			timeout = blockTimeout
		}

		records, err := m.store.Read(ctx, topic, p, from, maxMessages-len(out), timeout)
		if err != nil {
			return nil, errors.Wrap(err, "Manager", "sweep", fmt.Sprintf("read %s[%d]", topic, p))
		}

		for _, rec := range records {
			msg, err := recordToMessage(topic, p, rec)
			if err != nil {
				m.metrics.RecordError("consumer", "decode")
				m.logger.Warn("skipping undecodable record",
					"topic", topic, "partition", p, "offset", rec.Offset, "error", err)
				continue
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// CommitOffsets records next-to-read offsets per partition. Commits never
// move backwards and are capped at the partition's log length, so a group
// can never commit past data that exists.
func (m *Manager) CommitOffsets(ctx context.Context, groupID string, offsets map[int]int64) error {
	m.mu.RLock()
	g, exists := m.groups[groupID]
	if !exists {
		m.mu.RUnlock()
		return errors.WrapNotFound(errors.ErrGroupNotFound, "Manager", "CommitOffsets", fmt.Sprintf("group %q", groupID))
	}
	topic, partitions := g.topic, g.partitions
	m.mu.RUnlock()

	capped := make(map[int]int64, len(offsets))
	for p, next := range offsets {
		if p < 0 || p >= partitions {
			return errors.WrapInvalid(
				fmt.Errorf("partition %d out of range [0,%d)", p, partitions),
				"Manager", "CommitOffsets", "check partition")
		}
		length, err := m.store.Length(ctx, topic, p)
		if err != nil {
			return errors.Wrap(err, "Manager", "CommitOffsets", fmt.Sprintf("length %s[%d]", topic, p))
		}
		if next > length {
			next = length
		}
		capped[p] = next
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g, exists = m.groups[groupID]
	if !exists {
		return errors.WrapNotFound(errors.ErrGroupNotFound, "Manager", "CommitOffsets", fmt.Sprintf("group %q", groupID))
	}
	for p, next := range capped {
		if next > g.committed[p] {
			g.committed[p] = next
		}
	}
	return nil
}

// Lag returns, per partition, how many records the group has not yet
// consumed: log length minus committed offset.
func (m *Manager) Lag(ctx context.Context, groupID string) (map[int]int64, error) {
	m.mu.RLock()
	g, exists := m.groups[groupID]
	if !exists {
		m.mu.RUnlock()
		return nil, errors.WrapNotFound(errors.ErrGroupNotFound, "Manager", "Lag", fmt.Sprintf("group %q", groupID))
	}
	topic := g.topic
	committed := make(map[int]int64, len(g.committed))
	for p, off := range g.committed {
		committed[p] = off
	}
	m.mu.RUnlock()

	lag := make(map[int]int64, len(committed))
	for p, off := range committed {
		length, err := m.store.Length(ctx, topic, p)
		if err != nil {
			return nil, errors.Wrap(err, "Manager", "Lag", fmt.Sprintf("length %s[%d]", topic, p))
		}
		l := length - off
		if l < 0 {
			l = 0
		}
		lag[p] = l
	}
	return lag, nil
}

func (m *Manager) memberView(groupID, memberID string) (partitions []int, topic string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, exists := m.groups[groupID]
	if !exists {
		return nil, "", errors.WrapNotFound(errors.ErrGroupNotFound, "Manager", "memberView", fmt.Sprintf("group %q", groupID))
	}
	if !slices.Contains(g.members, memberID) {
		g.members = append(g.members, memberID)
		g.rebalance()
	}
	return slices.Clone(g.assignments[memberID]), g.topic, nil
}

func (m *Manager) committedOffset(groupID string, partition int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, exists := m.groups[groupID]
	if !exists {
		return 0
	}
	return g.committed[partition]
}

// rebalance redistributes partitions round-robin over members in join
// order. Caller holds the manager lock.
func (g *groupState) rebalance() {
	g.assignments = make(map[string][]int, len(g.members))
	if len(g.members) == 0 {
		return
	}
	for p := 0; p < g.partitions; p++ {
		member := g.members[p%len(g.members)]
		g.assignments[member] = append(g.assignments[member], p)
	}
}

func (g *groupState) snapshot() *Group {
	members := slices.Clone(g.members)
	assignments := make(map[string][]int, len(g.assignments))
	for m, ps := range g.assignments {
		assignments[m] = slices.Clone(ps)
	}
	committed := make(map[int]int64, len(g.committed))
	for p, off := range g.committed {
		committed[p] = off
	}
	return &Group{
		ID:          g.id,
		Topic:       g.topic,
		Members:     members,
		Assignments: assignments,
		Committed:   committed,
		CreatedAt:   g.createdAt,
	}
}

func recordToMessage(topic string, partition int, rec logstore.Record) (*message.Message, error) {
	var value map[string]any
	if err := json.Unmarshal(rec.Value, &value); err != nil {
		return nil, fmt.Errorf("decode record value: %w", err)
	}
	return &message.Message{
		ID:        rec.ID,
		Topic:     topic,
		Partition: partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     value,
		Timestamp: rec.Timestamp,
		Headers:   rec.Headers,
		Size:      len(rec.Value),
	}, nil
}

// NextOffsets maps each partition in msgs to one past its highest
// delivered offset, the next-to-read value CommitOffsets expects. It is
// the manual-commit counterpart of the commit Consume performs itself.
func NextOffsets(msgs []*message.Message) map[int]int64 {
	out := make(map[int]int64)
	for _, msg := range msgs {
		if next := msg.Offset + 1; next > out[msg.Partition] {
			out[msg.Partition] = next
		}
	}
	return out
}
