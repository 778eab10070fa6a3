// Package magnetar is a resilient connection and exception management
// toolkit for ETL jobs: named, pooled database connections with probing and
// retry, a categorized exception engine with bounded history and threshold
// escalation, declarative table extraction, and best-effort notifications.
//
// # Architecture
//
// Magnetar is organized around a few small, injectable components:
//
// 1. Connection registry (pkg/connection): named single sessions and named
// session pools, created lazily, reused while healthy, and closed together.
// Probing retries with exponentially growing waits and reports a verdict
// instead of raising.
//
// 2. Exception engine (pkg/errors, pkg/handler): every failure is wrapped
// with a closed category taxonomy (CONNECTION, CONFIGURATION, EXTRACTION,
// TRANSFORMATION, LOADING, VALIDATION, UNKNOWN), counted per CATEGORY:CODE
// key, kept in a bounded history, and escalated once a category crosses its
// threshold.
//
// 3. Extraction (pkg/extract): declarative table requests streamed in
// batches through pooled sessions, restarted as a unit on retry.
//
// 4. Notification gateway (pkg/notify): email, Slack and webhook fanout
// whose failures never break the job that triggered them.
//
// # Quick Start
//
// Run a configured job:
//
//	import (
//	    "context"
//
//	    "github.com/ajitpratap0/magnetar/internal/job"
//	    "github.com/ajitpratap0/magnetar/pkg/config"
//	    "github.com/ajitpratap0/magnetar/pkg/extract"
//
//	    _ "github.com/ajitpratap0/magnetar/pkg/connection/drivers/postgres"
//	)
//
//	cfg, err := config.Load("job.yml")
//	if err != nil { ... }
//
//	rt, err := job.New(cfg)
//	if err != nil { ... }
//	defer rt.Shutdown(context.Background())
//
//	err = rt.Run(context.Background(), func(req extract.TableRequest) (extract.BatchSink, error) {
//	    return &extract.Collector{}, nil
//	})
//
// # Key Packages
//
//	pkg/connection  - Named connection and pool registry, probing, leases
//	pkg/errors      - Categorized error type with context and severity
//	pkg/handler     - Exception tracking, thresholds, retry wrappers
//	pkg/retry       - Exponential backoff policies
//	pkg/extract     - Declarative batched table extraction
//	pkg/notify      - Email/Slack/webhook notification gateway
//	pkg/secrets     - Encrypted credential resolution
//	pkg/config      - YAML job configuration with env substitution
//	pkg/logger      - Structured logging with rotation
//	pkg/metrics     - Prometheus collectors
//
// # Configuration
//
// Jobs are configured from YAML with ${VAR} and ${VAR:default} environment
// substitution and per-environment overlays:
//
//	name: nightly-orders
//	connections:
//	  src:
//	    driver: postgres
//	    host: ${DB_HOST:localhost}
//	    service: orders
//	    username: etl
//	    password: ${DB_PASSWORD}
//	extraction:
//	  connection: src
//	  tables:
//	    - schema: sales
//	      table: orders
//	environments:
//	  production:
//	    connections:
//	      src:
//	        host: db.prod.internal
//
// The active environment comes from MAGNETAR_ENV (default "development").
package magnetar
