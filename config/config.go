/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT              = "5004"
	DEFAULT_INGEST_QUEUE      = "case_events"
	DEFAULT_MONITORING_PORT   = "5005"
	DEFAULT_DLQ_FLAG_KEY      = "dlq-backed-processing"
	DEFAULT_PROCESS_FLAG_KEY  = "case-event-processing"
	DEFAULT_ARCHIVE_PREFIX    = "case-event-archive"
	DEFAULT_STORE_RETRY_LIMIT = 5
)

// DefaultRetryLadderSec is the hold applied after each consecutive retryable failure.
var DefaultRetryLadderSec = []int{5, 15, 30, 60, 300, 900, 1800, 3600}

// DefaultRetryableStatuses are the downstream HTTP statuses worth retrying.
var DefaultRetryableStatuses = []int{401, 404, 408, 409, 423, 425, 429, 502, 503, 504}

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"CASEFLOW_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"CASEFLOW_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"CASEFLOW_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"CASEFLOW_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"CASEFLOW_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"CASEFLOW_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns          string `json:"dns" envconfig:"CASEFLOW_DATA_SOURCE_DNS"`
	MaxOpenConns int    `json:"max_open_conns" envconfig:"CASEFLOW_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns int    `json:"max_idle_conns" envconfig:"CASEFLOW_DATA_SOURCE_MAX_IDLE_CONNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"CASEFLOW_REDIS_DNS"`
}

type QueueConfig struct {
	IngestQueue    string `json:"ingest_queue" envconfig:"CASEFLOW_QUEUE_INGEST"`
	Concurrency    int    `json:"concurrency" envconfig:"CASEFLOW_QUEUE_CONCURRENCY"`
	MaxRetry       int    `json:"max_retry" envconfig:"CASEFLOW_QUEUE_MAX_RETRY"`
	MonitoringPort string `json:"monitoring_port" envconfig:"CASEFLOW_QUEUE_MONITORING_PORT"`
}

// ProcessingConfig drives the promoter, the processor and the dead letter drain.
type ProcessingConfig struct {
	PromoterIntervalMs         int   `json:"promoter_interval_ms" envconfig:"CASEFLOW_PROMOTER_INTERVAL_MS"`
	ProcessorIntervalMs        int   `json:"processor_interval_ms" envconfig:"CASEFLOW_PROCESSOR_INTERVAL_MS"`
	ClaimLeaseSec              int   `json:"claim_lease_sec" envconfig:"CASEFLOW_CLAIM_LEASE_SEC"`
	RetryLadderSec             []int `json:"retry_ladder_sec" envconfig:"CASEFLOW_RETRY_LADDER_SEC"`
	RetryableStatuses          []int `json:"retryable_statuses" envconfig:"CASEFLOW_RETRYABLE_STATUSES"`
	StoreRetryAttempts         int   `json:"store_retry_attempts" envconfig:"CASEFLOW_STORE_RETRY_ATTEMPTS"`
	DeadLetterDrainIntervalSec int   `json:"dead_letter_drain_interval_sec" envconfig:"CASEFLOW_DLQ_DRAIN_INTERVAL_SEC"`
	DeadLetterDrainBatch       int   `json:"dead_letter_drain_batch" envconfig:"CASEFLOW_DLQ_DRAIN_BATCH"`
}

func (p ProcessingConfig) PromoterInterval() time.Duration {
	return time.Duration(p.PromoterIntervalMs) * time.Millisecond
}

func (p ProcessingConfig) ProcessorInterval() time.Duration {
	return time.Duration(p.ProcessorIntervalMs) * time.Millisecond
}

func (p ProcessingConfig) ClaimLease() time.Duration {
	return time.Duration(p.ClaimLeaseSec) * time.Second
}

func (p ProcessingConfig) DeadLetterDrainInterval() time.Duration {
	return time.Duration(p.DeadLetterDrainIntervalSec) * time.Second
}

// RetryLadder converts the configured rungs into durations.
func (p ProcessingConfig) RetryLadder() []time.Duration {
	ladder := make([]time.Duration, len(p.RetryLadderSec))
	for i, sec := range p.RetryLadderSec {
		ladder[i] = time.Duration(sec) * time.Second
	}
	return ladder
}

type DownstreamConfig struct {
	RuleEvaluationURL string            `json:"rule_evaluation_url" envconfig:"CASEFLOW_DOWNSTREAM_RULE_EVALUATION_URL"`
	WorkflowURL       string            `json:"workflow_url" envconfig:"CASEFLOW_DOWNSTREAM_WORKFLOW_URL"`
	AuthToken         string            `json:"auth_token" envconfig:"CASEFLOW_DOWNSTREAM_AUTH_TOKEN"`
	TimeoutSec        int               `json:"timeout_sec" envconfig:"CASEFLOW_DOWNSTREAM_TIMEOUT_SEC"`
	Headers           map[string]string `json:"headers"`
}

type FeatureFlagConfig struct {
	Provider          string          `json:"provider" envconfig:"CASEFLOW_FLAGS_PROVIDER"`
	PostHogKey        string          `json:"posthog_key" envconfig:"CASEFLOW_FLAGS_POSTHOG_KEY"`
	PostHogEndpoint   string          `json:"posthog_endpoint" envconfig:"CASEFLOW_FLAGS_POSTHOG_ENDPOINT"`
	CacheTTLSec       int             `json:"cache_ttl_sec" envconfig:"CASEFLOW_FLAGS_CACHE_TTL_SEC"`
	DeadLetterFlagKey string          `json:"dead_letter_flag_key" envconfig:"CASEFLOW_FLAGS_DLQ_KEY"`
	ProcessingFlagKey string          `json:"processing_flag_key" envconfig:"CASEFLOW_FLAGS_PROCESSING_KEY"`
	Flags             map[string]bool `json:"flags" envconfig:"CASEFLOW_FLAGS"`
}

type ArchiveConfig struct {
	Enabled            bool   `json:"enabled" envconfig:"CASEFLOW_ARCHIVE_ENABLED"`
	RetentionDays      int    `json:"retention_days" envconfig:"CASEFLOW_ARCHIVE_RETENTION_DAYS"`
	IntervalMin        int    `json:"interval_min" envconfig:"CASEFLOW_ARCHIVE_INTERVAL_MIN"`
	BatchSize          int    `json:"batch_size" envconfig:"CASEFLOW_ARCHIVE_BATCH_SIZE"`
	Prefix             string `json:"prefix" envconfig:"CASEFLOW_ARCHIVE_PREFIX"`
	AwsAccessKeyId     string `json:"aws_access_key_id" envconfig:"CASEFLOW_AWS_ACCESS_KEY_ID"`
	AwsSecretAccessKey string `json:"aws_secret_access_key" envconfig:"CASEFLOW_AWS_SECRET_ACCESS_KEY"`
	S3Endpoint         string `json:"s3_endpoint" envconfig:"CASEFLOW_S3_ENDPOINT"`
	S3BucketName       string `json:"s3_bucket_name" envconfig:"CASEFLOW_S3_BUCKET_NAME"`
	S3Region           string `json:"s3_region" envconfig:"CASEFLOW_S3_REGION"`
}

type HealthConfig struct {
	StuckNewThresholdMin int   `json:"stuck_new_threshold_min" envconfig:"CASEFLOW_HEALTH_STUCK_NEW_THRESHOLD_MIN"`
	ReadyBacklogLimit    int64 `json:"ready_backlog_limit" envconfig:"CASEFLOW_HEALTH_READY_BACKLOG_LIMIT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"CASEFLOW_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"CASEFLOW_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"CASEFLOW_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type OtelExporter struct {
	OtelExporterOtlpProtocol string `json:"otel_exporter_otlp_protocol" envconfig:"CASEFLOW_OTEL_EXPORTER_OTLP_PROTOCOL"`
	OtelExporterOtlpEndpoint string `json:"otel_exporter_otlp_endpoint" envconfig:"CASEFLOW_OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelExporterOtlpHeaders  string `json:"otel_exporter_otlp_headers" envconfig:"CASEFLOW_OTEL_EXPORTER_OTLP_HEADERS"`
}

type Configuration struct {
	ProjectName     string            `json:"project_name" envconfig:"CASEFLOW_PROJECT_NAME"`
	EnableTelemetry bool              `json:"enable_telemetry" envconfig:"CASEFLOW_ENABLE_TELEMETRY"`
	Server          ServerConfig      `json:"server"`
	DataSource      DataSourceConfig  `json:"data_source"`
	Redis           RedisConfig       `json:"redis"`
	Queue           QueueConfig       `json:"queue"`
	Processing      ProcessingConfig  `json:"processing"`
	Downstream      DownstreamConfig  `json:"downstream"`
	FeatureFlags    FeatureFlagConfig `json:"feature_flags"`
	Archive         ArchiveConfig     `json:"archive"`
	Health          HealthConfig      `json:"health"`
	Notification    Notification      `json:"notification"`
	RateLimit       RateLimitConfig   `json:"rate_limit"`
	OtelExporter    OtelExporter      `json:"otel_exporter"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("caseflow", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called caseflow.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Caseflow"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Queue.addDefaults()
	cnf.Processing.addDefaults()
	cnf.FeatureFlags.addDefaults()
	cnf.Archive.addDefaults()
	cnf.Health.addDefaults()

	if cnf.Downstream.TimeoutSec <= 0 {
		cnf.Downstream.TimeoutSec = 30
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}

	// Set default cleanup interval if not specified
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (q *QueueConfig) addDefaults() {
	if q.IngestQueue == "" {
		q.IngestQueue = DEFAULT_INGEST_QUEUE
	}
	if q.Concurrency <= 0 {
		q.Concurrency = 10
	}
	if q.MaxRetry <= 0 {
		q.MaxRetry = 10
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = DEFAULT_MONITORING_PORT
	}
}

func (p *ProcessingConfig) addDefaults() {
	if p.PromoterIntervalMs <= 0 {
		p.PromoterIntervalMs = 1000
	}
	if p.ProcessorIntervalMs <= 0 {
		p.ProcessorIntervalMs = 500
	}
	if p.ClaimLeaseSec <= 0 {
		p.ClaimLeaseSec = 300
	}
	if len(p.RetryLadderSec) == 0 {
		p.RetryLadderSec = append([]int(nil), DefaultRetryLadderSec...)
	}
	if len(p.RetryableStatuses) == 0 {
		p.RetryableStatuses = append([]int(nil), DefaultRetryableStatuses...)
	}
	if p.StoreRetryAttempts <= 0 {
		p.StoreRetryAttempts = DEFAULT_STORE_RETRY_LIMIT
	}
	if p.DeadLetterDrainIntervalSec <= 0 {
		p.DeadLetterDrainIntervalSec = 30
	}
	if p.DeadLetterDrainBatch <= 0 {
		p.DeadLetterDrainBatch = 100
	}
}

func (f *FeatureFlagConfig) addDefaults() {
	if f.Provider == "" {
		f.Provider = "static"
	}
	if f.PostHogEndpoint == "" {
		f.PostHogEndpoint = "https://app.posthog.com"
	}
	if f.CacheTTLSec <= 0 {
		f.CacheTTLSec = 60
	}
	if f.DeadLetterFlagKey == "" {
		f.DeadLetterFlagKey = DEFAULT_DLQ_FLAG_KEY
	}
	if f.ProcessingFlagKey == "" {
		f.ProcessingFlagKey = DEFAULT_PROCESS_FLAG_KEY
	}
}

func (a *ArchiveConfig) addDefaults() {
	if a.RetentionDays <= 0 {
		a.RetentionDays = 90
	}
	if a.IntervalMin <= 0 {
		a.IntervalMin = 60
	}
	if a.BatchSize <= 0 {
		a.BatchSize = 500
	}
	if a.Prefix == "" {
		a.Prefix = DEFAULT_ARCHIVE_PREFIX
	}
}

func (h *HealthConfig) addDefaults() {
	if h.StuckNewThresholdMin <= 0 {
		h.StuckNewThresholdMin = 60
	}
	if h.ReadyBacklogLimit <= 0 {
		h.ReadyBacklogLimit = 1000
	}
}

// SetOtelExporterEnvs exports the configured OTLP settings so the exporter picks them up.
func SetOtelExporterEnvs() error {
	cnf, err := Fetch()
	if err != nil {
		return err
	}

	envs := map[string]string{
		"OTEL_EXPORTER_OTLP_PROTOCOL": cnf.OtelExporter.OtelExporterOtlpProtocol,
		"OTEL_EXPORTER_OTLP_ENDPOINT": cnf.OtelExporter.OtelExporterOtlpEndpoint,
		"OTEL_EXPORTER_OTLP_HEADERS":  cnf.OtelExporter.OtelExporterOtlpHeaders,
	}
	for key, value := range envs {
		if value == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
