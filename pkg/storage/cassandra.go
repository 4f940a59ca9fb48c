package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gocql/gocql"
)

// CassandraSchema creates the tables used by CassandraStore.
// Readings are partitioned by UTC day; reading_days indexes the partitions
// that hold data so queries never scan empty days.
const CassandraSchema = `
CREATE TABLE IF NOT EXISTS readings_by_day (
    day        date,
    ts         timestamp,
    id         bigint,
    load_value double,
    gas_value  double,
    PRIMARY KEY ((day), ts, id)
) WITH CLUSTERING ORDER BY (ts DESC, id DESC);

CREATE TABLE IF NOT EXISTS reading_days (
    bucket text,
    day    date,
    PRIMARY KEY ((bucket), day)
) WITH CLUSTERING ORDER BY (day DESC);

CREATE TABLE IF NOT EXISTS reading_totals (
    name  text PRIMARY KEY,
    total counter
);`

const (
	daysBucket  = "all"
	totalsName  = "readings"
	scanPageLen = 1000
)

// CassandraStore implements the Store interface on Apache Cassandra.
//
// Identities come from a snowflake node, so several service instances can
// append concurrently as long as each uses a distinct node number. Timestamps
// are stored with millisecond precision.
type CassandraStore struct {
	session   *gocql.Session
	node      *snowflake.Node
	opTimeout time.Duration
}

// NewCassandraStore connects to the cluster and returns a store bound to keyspace.
//
// nodeID identifies this instance for id generation (0-1023).
func NewCassandraStore(hosts []string, keyspace string, nodeID int64, opTimeout time.Duration) (*CassandraStore, error) {
	if len(hosts) == 0 {
		return nil, errors.New("cassandra hosts cannot be empty")
	}
	if keyspace == "" {
		return nil, errors.New("cassandra keyspace cannot be empty")
	}

	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.ProtoVersion = 4
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.Consistency = gocql.LocalQuorum
	cluster.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.RoundRobinHostPolicy())
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 1}
	cluster.ReconnectionPolicy = &gocql.ExponentialReconnectionPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cassandra at %s: %w", strings.Join(hosts, ","), err)
	}

	store, err := NewCassandraStoreFromSession(session, nodeID, opTimeout)
	if err != nil {
		session.Close()
		return nil, err
	}
	return store, nil
}

// NewCassandraStoreFromSession wraps an existing session.
func NewCassandraStoreFromSession(session *gocql.Session, nodeID int64, opTimeout time.Duration) (*CassandraStore, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid snowflake node %d: %w", nodeID, err)
	}
	return &CassandraStore{
		session:   session,
		node:      node,
		opTimeout: opTimeout,
	}, nil
}

// EnsureSchema creates the store tables if they do not exist.
func (c *CassandraStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(CassandraSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := c.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("%w: create schema: %w", ErrStorage, err)
		}
	}
	return nil
}

// Append records the day partition, writes the reading and bumps the total,
// in that order. The day index insert is idempotent, so a failure at any step
// never leaves a reading that Recent and Since cannot reach. The total is a
// Cassandra counter and may drift if the final update fails.
func (c *CassandraStore) Append(ctx context.Context, r Reading) (StoredReading, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout(c.opTimeout))
	defer cancel()

	r.Timestamp = r.Timestamp.UTC().Truncate(time.Millisecond)
	sr := stored(uint64(c.node.Generate().Int64()), r)

	for _, st := range appendStatements(sr) {
		if err := c.session.Query(st.cql, st.args...).WithContext(ctx).Exec(); err != nil {
			return StoredReading{}, fmt.Errorf("%w: failed to %s: %w", ErrStorage, st.step, err)
		}
	}
	return sr, nil
}

type cqlStatement struct {
	step string
	cql  string
	args []any
}

// appendStatements lists the writes for one reading in execution order.
func appendStatements(sr StoredReading) []cqlStatement {
	day := dayOf(sr.Timestamp)
	return []cqlStatement{
		{
			step: "index reading day",
			cql:  `INSERT INTO reading_days (bucket, day) VALUES (?, ?)`,
			args: []any{daysBucket, day},
		},
		{
			step: "store reading in cassandra",
			cql:  `INSERT INTO readings_by_day (day, ts, id, load_value, gas_value) VALUES (?, ?, ?, ?, ?)`,
			args: []any{day, sr.Timestamp, int64(sr.ID), sr.LoadValue, sr.GasValue},
		},
		{
			step: "update reading total",
			cql:  `UPDATE reading_totals SET total = total + 1 WHERE name = ?`,
			args: []any{totalsName},
		},
	}
}

// Count reads the reading counter.
func (c *CassandraStore) Count(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout(c.opTimeout))
	defer cancel()

	var total int64
	err := c.session.Query(
		`SELECT total FROM reading_totals WHERE name = ?`, totalsName,
	).WithContext(ctx).Scan(&total)
	if errors.Is(err, gocql.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count readings: %w", ErrStorage, err)
	}
	if total < 0 {
		total = 0
	}
	return uint64(total), nil
}

// Recent walks day partitions newest first until limit readings are collected.
func (c *CassandraStore) Recent(ctx context.Context, limit, offset int) ([]StoredReading, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: negative limit or offset", ErrStorage)
	}
	out := []StoredReading{}
	if limit == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout(c.opTimeout))
	defer cancel()

	days, err := c.days(ctx, time.Time{})
	if err != nil {
		return nil, err
	}

	skip := offset
	for _, day := range days {
		iter := c.session.Query(
			`SELECT id, ts, load_value, gas_value FROM readings_by_day WHERE day = ? LIMIT ?`,
			day, cqlLimit(skip, limit-len(out)),
		).WithContext(ctx).PageSize(scanPageLen).Iter()

		var (
			id        int64
			ts        time.Time
			load, gas float64
		)
		for iter.Scan(&id, &ts, &load, &gas) {
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, StoredReading{ID: uint64(id), Timestamp: ts.UTC(), LoadValue: load, GasValue: gas})
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("%w: failed to read readings for %s: %w", ErrStorage, day.Format(time.DateOnly), err)
		}
		if len(out) >= limit {
			break
		}
	}

	return out, nil
}

// Since returns readings with Timestamp >= from, oldest first.
func (c *CassandraStore) Since(ctx context.Context, from time.Time) ([]StoredReading, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout(c.opTimeout))
	defer cancel()

	days, err := c.days(ctx, dayOf(from))
	if err != nil {
		return nil, err
	}

	out := []StoredReading{}
	for _, day := range days {
		iter := c.session.Query(
			`SELECT id, ts, load_value, gas_value FROM readings_by_day WHERE day = ? AND ts >= ?`,
			day, from.UTC(),
		).WithContext(ctx).PageSize(scanPageLen).Iter()

		var (
			id        int64
			ts        time.Time
			load, gas float64
		)
		for iter.Scan(&id, &ts, &load, &gas) {
			out = append(out, StoredReading{ID: uint64(id), Timestamp: ts.UTC(), LoadValue: load, GasValue: gas})
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("%w: failed to read readings for %s: %w", ErrStorage, day.Format(time.DateOnly), err)
		}
	}

	SortAscending(out)
	return out, nil
}

// days lists the populated day partitions on or after from, newest first.
// A zero from lists every partition.
func (c *CassandraStore) days(ctx context.Context, from time.Time) ([]time.Time, error) {
	q := c.session.Query(`SELECT day FROM reading_days WHERE bucket = ?`, daysBucket)
	if !from.IsZero() {
		q = c.session.Query(`SELECT day FROM reading_days WHERE bucket = ? AND day >= ?`, daysBucket, from)
	}
	iter := q.WithContext(ctx).PageSize(scanPageLen).Iter()

	var (
		days []time.Time
		day  time.Time
	)
	for iter.Scan(&day) {
		days = append(days, day.UTC())
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("%w: failed to list reading days: %w", ErrStorage, err)
	}
	return days, nil
}

// Ping runs a trivial query against the cluster.
func (c *CassandraStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout(c.opTimeout))
	defer cancel()

	if err := c.session.Query(`SELECT release_version FROM system.local`).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// Close closes the underlying session.
func (c *CassandraStore) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return nil
}

// cqlLimit sums row counts for a LIMIT bind, saturating at the CQL int range.
func cqlLimit(counts ...int) int {
	total := 0
	for _, n := range counts {
		if n >= math.MaxInt32-total {
			return math.MaxInt32
		}
		total += n
	}
	return total
}

// dayOf truncates t to the start of its UTC day.
func dayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
