package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"smsup-service/internal/config"
	"smsup-service/internal/retry"
	"smsup-service/internal/util"
)

// Statements holds the CQL used by the repositories. gocql prepares and
// caches each statement on first use.
type Statements struct {
	InsertSession       string
	InsertPhoneIndex    string
	GetSession          string
	ListSessionsByPhone string
	RecordFailedAttempt string
	MarkVerified        string
	TransitionStatus    string
	ApplyResend         string
	ListBucketOlderThan string
	DeleteSession       string
	DeletePhoneIndexRow string
}

var statements = Statements{
	InsertSession: `
        INSERT INTO otp_sessions (
            session_id, phone_bucket, phone_raw, phone_number, code_hash, reference_code,
            status, block_reason, attempt_count, max_attempts, resend_count, max_resends,
            created_at, expires_at, last_resend_at, verified_at, user_id
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,

	InsertPhoneIndex: `
        INSERT INTO otp_sessions_by_phone (phone_bucket, phone_number, created_at, session_id)
        VALUES (?, ?, ?, ?)`,

	GetSession: `
        SELECT session_id, phone_bucket, phone_raw, phone_number, code_hash, reference_code,
            status, block_reason, attempt_count, max_attempts, resend_count, max_resends,
            created_at, expires_at, last_resend_at, verified_at, user_id
        FROM otp_sessions WHERE session_id = ?`,

	ListSessionsByPhone: `
        SELECT session_id FROM otp_sessions_by_phone
        WHERE phone_bucket = ? AND phone_number = ?`,

	RecordFailedAttempt: `
        UPDATE otp_sessions SET attempt_count = ?, status = ?, block_reason = ?
        WHERE session_id = ? IF status = 'pending' AND attempt_count = ? AND resend_count = ?`,

	MarkVerified: `
        UPDATE otp_sessions SET status = 'verified', verified_at = ?
        WHERE session_id = ? IF status = 'pending' AND attempt_count = ? AND resend_count = ?`,

	TransitionStatus: `
        UPDATE otp_sessions SET status = ?, block_reason = ?
        WHERE session_id = ? IF status = ?`,

	ApplyResend: `
        UPDATE otp_sessions SET code_hash = ?, reference_code = ?, expires_at = ?,
            last_resend_at = ?, resend_count = ?, attempt_count = 0
        WHERE session_id = ? IF status = 'pending' AND resend_count = ?`,

	ListBucketOlderThan: `
        SELECT phone_number, created_at, session_id FROM otp_sessions_by_phone
        WHERE phone_bucket = ? AND created_at < ? ALLOW FILTERING`,

	DeleteSession: `DELETE FROM otp_sessions WHERE session_id = ?`,

	DeletePhoneIndexRow: `
        DELETE FROM otp_sessions_by_phone
        WHERE phone_bucket = ? AND phone_number = ? AND created_at = ? AND session_id = ?`,
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS otp_sessions (
        session_id text PRIMARY KEY,
        phone_bucket int,
        phone_raw text,
        phone_number text,
        code_hash text,
        reference_code text,
        status text,
        block_reason text,
        attempt_count int,
        max_attempts int,
        resend_count int,
        max_resends int,
        created_at timestamp,
        expires_at timestamp,
        last_resend_at timestamp,
        verified_at timestamp,
        user_id text
    )`,
	`CREATE TABLE IF NOT EXISTS otp_sessions_by_phone (
        phone_bucket int,
        phone_number text,
        created_at timestamp,
        session_id text,
        PRIMARY KEY ((phone_bucket), phone_number, created_at, session_id)
    ) WITH CLUSTERING ORDER BY (phone_number ASC, created_at DESC, session_id ASC)`,
}

type ScyllaClient struct {
	Session *gocql.Session
	Stmts   Statements
	policy  retry.Policy
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = scyllaConfig.Timeout
	cluster.ConnectTimeout = scyllaConfig.Timeout
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.CAPath != "" {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			EnableHostVerification: cfg.IsProduction(),
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	policy := retry.FromConfig(cfg.Retry)
	var session *gocql.Session
	err := retry.Do(context.Background(), policy, func(context.Context) error {
		var err error
		session, err = cluster.CreateSession()
		return err
	}, func(attempt int, err error, wait time.Duration) {
		util.Warn("ScyllaDB not reachable, retrying",
			util.Int("attempt", attempt),
			util.Duration("wait", wait),
			util.ErrorField(err))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		util.Any("nodes", scyllaConfig.Nodes),
		util.String("keyspace", scyllaConfig.Keyspace))

	return &ScyllaClient{Session: session, Stmts: statements, policy: policy}, nil
}

// Migrate creates the session tables when they do not exist.
func (s *ScyllaClient) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema applied", util.Int("statements", len(schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", util.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry runs an idempotent statement under the retry policy.
// Conditional statements must not go through here.
func (s *ScyllaClient) ExecuteWithRetry(ctx context.Context, stmt string, values ...interface{}) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.Query(ctx, stmt, values...).Exec()
	}, nil)
}

// ExecuteCAS runs a conditional statement and reports whether it was applied.
func (s *ScyllaClient) ExecuteCAS(ctx context.Context, stmt string, values ...interface{}) (bool, error) {
	applied, err := s.Query(ctx, stmt, values...).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, err
	}
	return applied, nil
}
