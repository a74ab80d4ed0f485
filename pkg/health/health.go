package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

const checkTimeout = 5 * time.Second

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type registration struct {
	checker  Checker
	optional bool
}

// CheckerRegistry aggregates dependency checks. A failing optional check degrades the
// service instead of marking it unhealthy.
type CheckerRegistry struct {
	checkers []registration
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{
		checkers: make([]registration, 0),
	}
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.checkers = append(r.checkers, registration{checker: checker})
}

// RegisterOptional adds a check for a dependency the pipeline can run without, such as the
// token cache or the sent-event ledger.
func (r *CheckerRegistry) RegisterOptional(checker Checker) {
	r.checkers = append(r.checkers, registration{checker: checker, optional: true})
}

func (r *CheckerRegistry) Check(ctx context.Context) Health {
	results := make(map[string]CheckResult)
	allHealthy := true
	anyDegraded := false

	for _, reg := range r.checkers {
		err := reg.checker.Check(ctx)
		result := CheckResult{
			Timestamp: time.Now(),
		}

		switch {
		case err == nil:
			result.Status = StatusHealthy
		case reg.optional:
			result.Status = StatusDegraded
			result.Message = err.Error()
			anyDegraded = true
		default:
			result.Status = StatusUnhealthy
			result.Message = err.Error()
			allHealthy = false
		}

		results[reg.checker.Name()] = result
	}

	overallStatus := StatusHealthy
	if !allHealthy {
		overallStatus = StatusUnhealthy
	} else if anyDegraded {
		overallStatus = StatusDegraded
	}

	return Health{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Checks:    results,
	}
}

type PostgreSQLChecker struct {
	db *sql.DB
}

func NewPostgreSQLChecker(db *sql.DB) *PostgreSQLChecker {
	return &PostgreSQLChecker{db: db}
}

func (c *PostgreSQLChecker) Name() string {
	return "postgresql"
}

func (c *PostgreSQLChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgresql ping failed: %w", err)
	}
	return nil
}

type RedisChecker struct {
	client *redis.Client
}

func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

type MongoDBChecker struct {
	client *mongo.Client
}

func NewMongoDBChecker(client *mongo.Client) *MongoDBChecker {
	return &MongoDBChecker{client: client}
}

func (c *MongoDBChecker) Name() string {
	return "mongodb"
}

func (c *MongoDBChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := c.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongodb ping failed: %w", err)
	}
	return nil
}

// Pinger is anything that can prove a remote API is reachable and accepts our credentials.
type Pinger interface {
	Ping(ctx context.Context) error
}

type AnalyticsChecker struct {
	api Pinger
}

func NewAnalyticsChecker(api Pinger) *AnalyticsChecker {
	return &AnalyticsChecker{api: api}
}

func (c *AnalyticsChecker) Name() string {
	return "analytics"
}

func (c *AnalyticsChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("analytics api unreachable: %w", err)
	}
	return nil
}
